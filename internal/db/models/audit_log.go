// Package models - audit_log.go defines the append-only AuditLog row. Each row is
// linked to the previous row of the same organization through PrevHash/EntryHash.
package models

import (
	"strings"
	"time"
)

// AuditAction is the kind of change an audit entry records
type AuditAction string

const (
	AuditActionCreate AuditAction = "create"
	AuditActionUpdate AuditAction = "update"
	AuditActionRead   AuditAction = "read"
	AuditActionDelete AuditAction = "delete"
)

// ParseAuditAction accepts the four audit actions, case-insensitively.
func ParseAuditAction(s string) (AuditAction, bool) {
	switch a := AuditAction(strings.ToLower(strings.TrimSpace(s))); a {
	case AuditActionCreate, AuditActionUpdate, AuditActionRead, AuditActionDelete:
		return a, true
	}
	return "", false
}

// AuditLog represents one audit trail row
type AuditLog struct {
	ID             string
	Seq            int64
	OrganizationID string
	ActorUserID    *string // nil for system actions
	Action         AuditAction
	EntityType     string
	EntityID       *string
	Metadata       map[string]interface{} // JSONB
	IPAddress      *string
	CreatedAt      time.Time
	PrevHash       []byte // nil for the first entry of an organization
	EntryHash      []byte
}
