// Package models - organization.go defines the Organization model. Every organization
// on the platform is exactly one of two kinds: a shipper or a forwarder.
package models

import (
	"strings"
	"time"
)

// OrgType is the kind of an organization. "No organization" is never an
// OrgType value; callers use a nil *OrgType for that.
type OrgType string

const (
	OrgTypeShipper   OrgType = "shipper"
	OrgTypeForwarder OrgType = "forwarder"
)

// ParseOrgType accepts exactly "shipper" or "forwarder" (case-insensitive,
// surrounding whitespace ignored).
func ParseOrgType(s string) (OrgType, bool) {
	switch OrgType(strings.ToLower(strings.TrimSpace(s))) {
	case OrgTypeShipper:
		return OrgTypeShipper, true
	case OrgTypeForwarder:
		return OrgTypeForwarder, true
	}
	return "", false
}

// Valid reports whether t is one of the two known organization types.
func (t OrgType) Valid() bool {
	return t == OrgTypeShipper || t == OrgTypeForwarder
}

func (t OrgType) String() string { return string(t) }

// Organization represents a shipper or forwarder tenant
type Organization struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	DisplayName string    `db:"display_name"`
	Type        OrgType   `db:"type"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}
