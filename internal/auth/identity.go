// Package auth resolves who is making a request. It never decides what they may do;
// that belongs to the access package.
package auth

import (
	"context"
	"strings"

	"github.com/freightdesk/freightdesk/internal/db/models"
)

// Identity is the authenticated user behind a request. ClaimedOrgType is the
// session's org-type hint, nil when the session carries none.
type Identity struct {
	UserID         string
	ClaimedOrgType *models.OrgType
}

// IdentityProvider verifies a raw session credential. A non-nil error means the
// credential was not accepted by this provider.
type IdentityProvider interface {
	Name() string
	Verify(ctx context.Context, credential string) (*Identity, error)
}

// NormalizeOrgTypeClaim turns a raw claim value into an org-type hint. Missing
// values, the empty string, the sentinels "none", "null" and "undefined" and
// anything that is not a known org type all normalize to nil.
func NormalizeOrgTypeClaim(raw any) *models.OrgType {
	s, ok := raw.(string)
	if !ok {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "null", "undefined":
		return nil
	}
	t, ok := models.ParseOrgType(s)
	if !ok {
		return nil
	}
	return &t
}
