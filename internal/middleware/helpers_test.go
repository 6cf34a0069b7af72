package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/freightdesk/freightdesk/internal/access"
	"github.com/freightdesk/freightdesk/internal/auth"
	"github.com/freightdesk/freightdesk/internal/db/models"
	"github.com/freightdesk/freightdesk/internal/db/repositories"
)

// ---------------------------------------------------------------------------
// Shared fakes
// ---------------------------------------------------------------------------

// memberStore maps user IDs to a single active membership.
type memberStore struct {
	orgs map[string]models.ActiveMembership
	err  error
}

func (s *memberStore) ListActiveMemberships(_ context.Context, userID string, _ int) ([]models.ActiveMembership, error) {
	if s.err != nil {
		return nil, s.err
	}
	m, ok := s.orgs[userID]
	if !ok {
		return nil, nil
	}
	return []models.ActiveMembership{m}, nil
}

// tokenProvider accepts "tok-<user>" tokens; the claim comes from claims.
type tokenProvider struct {
	claims map[string]models.OrgType
}

func (p *tokenProvider) Name() string { return "test" }

func (p *tokenProvider) Verify(_ context.Context, credential string) (*auth.Identity, error) {
	const prefix = "tok-"
	if len(credential) <= len(prefix) || credential[:len(prefix)] != prefix {
		return nil, errors.New("unknown token")
	}
	userID := credential[len(prefix):]
	id := &auth.Identity{UserID: userID}
	if t, ok := p.claims[userID]; ok {
		id.ClaimedOrgType = &t
	}
	return id, nil
}

// Fixture users: alice ships, bruno forwards, nora has no organization.
func fixtureStore() *memberStore {
	return &memberStore{orgs: map[string]models.ActiveMembership{
		"alice": {UserID: "alice", OrganizationID: "org-ship", OrganizationName: "Acme Shipping", OrganizationType: models.OrgTypeShipper, CreatedAt: time.Now()},
		"bruno": {UserID: "bruno", OrganizationID: "org-fwd", OrganizationName: "Nordfracht", OrganizationType: models.OrgTypeForwarder, CreatedAt: time.Now()},
	}}
}

func fixtureProvider() *tokenProvider {
	return &tokenProvider{claims: map[string]models.OrgType{
		"alice": models.OrgTypeShipper,
		"bruno": models.OrgTypeShipper, // stale: bruno's org is a forwarder
	}}
}

// newGuardedEngine wires PathHint, Session and one guard in front of a
// handler that echoes what the guard attached.
func newGuardedEngine(store *memberStore, req access.Requirement, extra ...gin.HandlerFunc) *gin.Engine {
	resolver := auth.NewResolver("fd_session", fixtureProvider())
	guard := access.NewGuard(access.NewMembershipResolver(store))

	r := gin.New()
	r.Use(RequestIDMiddleware(), PathHintMiddleware(), SessionMiddleware(resolver))
	r.Use(extra...)

	handler := func(c *gin.Context) {
		oc, _ := access.OrgContextFrom(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"user_id":         c.GetString(UserIDKey),
			"organization_id": c.GetString(OrganizationIDKey),
			"org_type":        c.GetString(OrgTypeKey),
			"ctx_org":         oc.OrganizationID,
		})
	}
	g := r.Group("/", GuardMiddleware(guard, req))
	g.GET("/dashboard/*path", handler)
	g.GET("/onboarding", handler)
	g.Any("/api/v1/*path", handler)
	return r
}

// auditStore records rows handed to the recorder.
type auditStore struct {
	mu   sync.Mutex
	logs []*models.AuditLog
}

func (s *auditStore) CreateAuditLog(_ context.Context, log *models.AuditLog, _ repositories.SealFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, log)
	return nil
}

func (s *auditStore) rows() []*models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.AuditLog(nil), s.logs...)
}
