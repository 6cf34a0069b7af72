package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/freightdesk/freightdesk/internal/access"
	"github.com/freightdesk/freightdesk/internal/audit"
	"github.com/freightdesk/freightdesk/internal/config"
	"github.com/freightdesk/freightdesk/internal/db/models"
)

// AuditMiddleware records guarded, successful requests after the handler
// runs. Reads are recorded only when cfg.LogReadOperations is set. Requests
// without an organization context (unguarded or onboarding routes) are not
// recorded since every entry belongs to an organization.
func AuditMiddleware(recorder *audit.Recorder, cfg *config.AuditConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		action, ok := auditAction(c.Request.Method)
		if !ok {
			return
		}
		if action == models.AuditActionRead && (cfg == nil || !cfg.LogReadOperations) {
			return
		}
		if c.Writer.Status() >= http.StatusBadRequest {
			return
		}

		oc, ok := access.OrgContextFrom(c.Request.Context())
		if !ok || oc.OrganizationID == "" {
			return
		}

		entityType, entityID := auditEntity(c.Request.URL.Path)
		recorder.Record(c.Request.Context(), audit.Entry{
			OrganizationID: oc.OrganizationID,
			ActorUserID:    oc.UserID,
			Action:         action,
			EntityType:     entityType,
			EntityID:       entityID,
			IPAddress:      c.ClientIP(),
			Metadata: map[string]any{
				"method":      c.Request.Method,
				"path":        c.Request.URL.Path,
				"status_code": c.Writer.Status(),
				"request_id":  RequestID(c),
			},
		})
	}
}

func auditAction(method string) (models.AuditAction, bool) {
	switch method {
	case http.MethodGet:
		return models.AuditActionRead, true
	case http.MethodPost:
		return models.AuditActionCreate, true
	case http.MethodPut, http.MethodPatch:
		return models.AuditActionUpdate, true
	case http.MethodDelete:
		return models.AuditActionDelete, true
	}
	return "", false
}

// auditEntity derives the entity from a guarded path:
//
//	/api/v1/shipper/quotes/42            -> quotes, 42
//	/dashboard/forwarder/frachtanfragen  -> frachtanfragen, ""
//	/api/v1/organization                 -> organization, ""
func auditEntity(p string) (entityType, entityID string) {
	p = strings.TrimPrefix(p, "/api/v1")
	p = strings.TrimPrefix(p, "/dashboard")
	segments := strings.FieldsFunc(p, func(r rune) bool { return r == '/' })

	if len(segments) > 0 {
		if _, ok := models.ParseOrgType(segments[0]); ok {
			segments = segments[1:]
		}
	}

	switch len(segments) {
	case 0:
		return "dashboard", ""
	case 1:
		return segments[0], ""
	default:
		return segments[0], segments[1]
	}
}
