// organization_repository.go implements OrganizationRepository, providing the read side of
// organizations and memberships that the access guard consults on every protected request.
// Organization and membership creation belong to the onboarding service, not the gateway.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/freightdesk/freightdesk/internal/db/models"
)

// OrganizationRepository handles database operations for organizations
type OrganizationRepository struct {
	db *sqlx.DB
}

// NewOrganizationRepository creates a new organization repository
func NewOrganizationRepository(db *sqlx.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// GetByID retrieves an organization by ID. A missing organization returns (nil, nil).
func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*models.Organization, error) {
	query := `
		SELECT id, name, display_name, type, created_at, updated_at
		FROM organizations
		WHERE id = $1
	`

	org := &models.Organization{}
	if err := r.db.GetContext(ctx, org, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// ListActiveMemberships returns up to limit active memberships of userID, joined with the
// organization, oldest membership first. The order is fully determined (created_at, then
// organization_id) so that callers picking the first row always pick the same one.
func (r *OrganizationRepository) ListActiveMemberships(ctx context.Context, userID string, limit int) ([]models.ActiveMembership, error) {
	query := `
		SELECT om.user_id, om.organization_id, o.name AS organization_name,
		       o.type AS organization_type, om.created_at
		FROM organization_members om
		JOIN organizations o ON o.id = om.organization_id
		WHERE om.user_id = $1 AND om.is_active = true
		ORDER BY om.created_at ASC, om.organization_id ASC
		LIMIT $2
	`

	memberships := make([]models.ActiveMembership, 0, limit)
	if err := r.db.SelectContext(ctx, &memberships, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list active memberships: %w", err)
	}
	return memberships, nil
}
