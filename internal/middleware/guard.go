package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/freightdesk/freightdesk/internal/access"
)

// gin.Context keys set on ALLOW.
const (
	UserIDKey         = "user_id"
	OrganizationIDKey = "organization_id"
	OrgTypeKey        = "org_type"
)

// StaleSessionHeader tells the renderer that the session's org-type claim is
// out of date and should be refreshed.
const StaleSessionHeader = "X-Session-Stale"

// GuardMiddleware enforces req on every request of the group.
//
// Page requests are redirected with 303 See Other. API requests get JSON:
// 401 when the caller must sign in, 403 otherwise, with the page the browser
// should navigate to in "redirect". A membership store failure is a 500.
func GuardMiddleware(guard *access.Guard, req access.Requirement) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		d, err := guard.Check(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				c.Abort()
				return
			}
			slog.ErrorContext(ctx, "access decision failed",
				"guard", req.String(),
				"path", c.Request.URL.Path,
				"request_id", RequestID(c),
				"error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}

		if d.Outcome == access.Redirect {
			if isAPIPath(c.Request.URL.Path) {
				status := http.StatusForbidden
				if d.Reason == access.ReasonUnauthenticated {
					status = http.StatusUnauthorized
				}
				c.AbortWithStatusJSON(status, gin.H{"error": d.Reason, "redirect": d.Target})
				return
			}
			c.Redirect(http.StatusSeeOther, d.Target)
			c.Abort()
			return
		}

		oc := d.Access
		c.Set(UserIDKey, oc.UserID)
		if oc.OrganizationID != "" {
			c.Set(OrganizationIDKey, oc.OrganizationID)
			c.Set(OrgTypeKey, string(oc.OrgType))
		}
		if d.StaleClaim {
			c.Header(StaleSessionHeader, "org-type")
		}
		c.Request = c.Request.WithContext(access.WithOrgContext(ctx, oc))

		c.Next()
	}
}
