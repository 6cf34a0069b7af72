// Package models - organization_member.go defines user-to-organization membership rows
// and the joined view the access guard reads on every request.
package models

import "time"

// OrganizationMember represents a user's membership in an organization.
// Inactive rows are kept for history and never grant access.
type OrganizationMember struct {
	OrganizationID string    `db:"organization_id"`
	UserID         string    `db:"user_id"`
	IsActive       bool      `db:"is_active"`
	CreatedAt      time.Time `db:"created_at"`
}

// ActiveMembership is an active membership joined with its organization
type ActiveMembership struct {
	UserID           string    `db:"user_id" json:"user_id"`
	OrganizationID   string    `db:"organization_id" json:"organization_id"`
	OrganizationName string    `db:"organization_name" json:"organization_name"`
	OrganizationType OrgType   `db:"organization_type" json:"organization_type"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}
