package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/freightdesk/freightdesk/internal/access"
	"github.com/freightdesk/freightdesk/internal/audit"
	"github.com/freightdesk/freightdesk/internal/auth"
	"github.com/freightdesk/freightdesk/internal/db/models"
	"github.com/freightdesk/freightdesk/internal/middleware"
	"github.com/freightdesk/freightdesk/internal/redirect"
	"github.com/freightdesk/freightdesk/internal/storage"
)

// readinessProbeKey is looked up on every readiness check; it never exists.
const readinessProbeKey = ".readiness-probe"

// healthCheckHandler is the liveness probe. It fails only when the database
// is unreachable.
func healthCheckHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler also probes the audit archive store when one is
// configured, so a replica that cannot archive is taken out of rotation.
func readinessHandler(db Pinger, archive storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if archive != nil {
			if _, err := archive.Exists(c.Request.Context(), readinessProbeKey); err != nil {
				checks["archive"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "archive storage not ready",
				})
				return
			}
			checks["archive"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// dashboardHomeHandler sends members to their organization type's landing page.
func dashboardHomeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		oc, ok := access.OrgContextFrom(c.Request.Context())
		if !ok || !oc.OrgType.Valid() {
			c.Redirect(http.StatusSeeOther, redirect.OnboardingPath)
			return
		}
		c.Redirect(http.StatusSeeOther, redirect.HomePath(oc.OrgType))
	}
}

type organizationResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	DisplayName string         `json:"display_name,omitempty"`
	Type        models.OrgType `json:"type"`
}

type meResponse struct {
	UserID         string                `json:"user_id"`
	ClaimedOrgType *models.OrgType       `json:"claimed_org_type"`
	Organization   *organizationResponse `json:"organization"`
	StaleClaim     bool                  `json:"stale_claim"`
}

// meHandler describes the caller. Users without an organization get a null
// organization rather than an error.
func meHandler(memberships *access.MembershipResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := auth.IdentityFromContext(ctx)
		if id == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":    access.ReasonUnauthenticated,
				"redirect": redirect.SignInPath,
			})
			return
		}

		resp := meResponse{UserID: id.UserID, ClaimedOrgType: id.ClaimedOrgType}

		org, err := memberships.RequireOrganization(ctx, id.UserID)
		switch {
		case errors.Is(err, access.ErrNoActiveMembership):
			resp.StaleClaim = id.ClaimedOrgType != nil
		case err != nil:
			slog.ErrorContext(ctx, "failed to resolve organization for /me",
				"user_id", id.UserID, "request_id", middleware.RequestID(c), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		default:
			resp.Organization = &organizationResponse{ID: org.ID, Name: org.Name, Type: org.Type}
			resp.StaleClaim = id.ClaimedOrgType == nil || *id.ClaimedOrgType != org.Type
		}

		c.JSON(http.StatusOK, resp)
	}
}

// organizationHandler returns the caller's organization. It runs behind
// RequireAnyOrganization.
func organizationHandler(orgs OrganizationReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		oc, ok := access.OrgContextFrom(ctx)
		if !ok || oc.OrganizationID == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": access.ReasonNoOrganization, "redirect": redirect.OnboardingPath})
			return
		}

		org, err := orgs.GetByID(ctx, oc.OrganizationID)
		if err != nil {
			slog.ErrorContext(ctx, "failed to load organization",
				"organization_id", oc.OrganizationID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		if org == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "organization not found"})
			return
		}

		c.JSON(http.StatusOK, organizationResponse{
			ID:          org.ID,
			Name:        org.Name,
			DisplayName: org.DisplayName,
			Type:        org.Type,
		})
	}
}

type auditEventRequest struct {
	Action     string         `json:"action" binding:"required"`
	EntityType string         `json:"entity_type" binding:"required"`
	EntityID   string         `json:"entity_id"`
	Metadata   map[string]any `json:"metadata"`
}

// auditIntakeHandler records a privileged action reported by the renderer's
// procedure layer. The organization and actor always come from the guard,
// never from the body. Once the body is well formed the answer is 202 whether
// or not the entry is eventually written.
func auditIntakeHandler(recorder *audit.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req auditEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid audit event: " + err.Error()})
			return
		}
		action, ok := models.ParseAuditAction(req.Action)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid audit event: unknown action " + req.Action})
			return
		}

		oc, _ := access.OrgContextFrom(c.Request.Context())
		if recorder != nil && oc != nil {
			recorder.Record(c.Request.Context(), audit.Entry{
				OrganizationID: oc.OrganizationID,
				ActorUserID:    oc.UserID,
				Action:         action,
				EntityType:     req.EntityType,
				EntityID:       req.EntityID,
				Metadata:       req.Metadata,
				IPAddress:      c.ClientIP(),
			})
		}

		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	}
}
