// Package access decides whether a request may reach an organization-scoped
// page or procedure. The membership store is the source of truth for which
// organization a user belongs to; session claims are only hints.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/freightdesk/freightdesk/internal/db/models"
	"github.com/freightdesk/freightdesk/internal/telemetry"
)

// ErrNoActiveMembership means the user has no active organization. It is an
// expected condition (the user still has to onboard), not a failure.
var ErrNoActiveMembership = errors.New("no active organization membership")

// MembershipStore reads active memberships, oldest first.
type MembershipStore interface {
	ListActiveMemberships(ctx context.Context, userID string, limit int) ([]models.ActiveMembership, error)
}

// Organization is the organization a user acts for.
type Organization struct {
	ID   string
	Name string
	Type models.OrgType
}

// MembershipResolver resolves a user's single active organization.
type MembershipResolver struct {
	store MembershipStore
}

// NewMembershipResolver creates a resolver over store.
func NewMembershipResolver(store MembershipStore) *MembershipResolver {
	return &MembershipResolver{store: store}
}

// RequireOrganization returns the user's active organization. It returns
// ErrNoActiveMembership when there is none and wraps store failures.
//
// A user should never have more than one active membership. If the store
// returns several, the oldest is used and the anomaly is logged and counted.
func (r *MembershipResolver) RequireOrganization(ctx context.Context, userID string) (Organization, error) {
	start := time.Now()
	rows, err := r.store.ListActiveMemberships(ctx, userID, 2)
	telemetry.MembershipLookupDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return Organization{}, fmt.Errorf("failed to resolve organization: %w", err)
	}
	if len(rows) == 0 {
		return Organization{}, ErrNoActiveMembership
	}

	if len(rows) > 1 {
		telemetry.MembershipAnomaliesTotal.Inc()
		slog.WarnContext(ctx, "user has more than one active membership, using the oldest",
			"user_id", userID,
			"organization_id", rows[0].OrganizationID,
			"other_organization_id", rows[1].OrganizationID)
	}

	m := rows[0]
	if !m.OrganizationType.Valid() {
		return Organization{}, fmt.Errorf("organization %s has unknown type %q", m.OrganizationID, m.OrganizationType)
	}
	return Organization{
		ID:   m.OrganizationID,
		Name: m.OrganizationName,
		Type: m.OrganizationType,
	}, nil
}

// RequireOrganizationID is RequireOrganization for callers that only need the ID.
func (r *MembershipResolver) RequireOrganizationID(ctx context.Context, userID string) (string, error) {
	org, err := r.RequireOrganization(ctx, userID)
	if err != nil {
		return "", err
	}
	return org.ID, nil
}
