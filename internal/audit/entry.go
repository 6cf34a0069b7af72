// Package audit records who did what to which entity within an organization.
//
// Recording is a side effect of the action it describes: a failed or slow
// audit write never fails or delays the caller. Rows are appended to the
// audit_logs table and, when a chain secret is configured, linked into a
// per-organization hash chain so later tampering can be detected. Shippers
// fan committed rows out to external sinks on a best-effort basis.
package audit

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/freightdesk/freightdesk/internal/db/models"
)

// Entry is one audit event as supplied by a caller.
type Entry struct {
	OrganizationID string
	ActorUserID    string // empty for system actions
	Action         models.AuditAction
	EntityType     string
	EntityID       string
	Metadata       map[string]any
	IPAddress      string
}

var (
	errMissingOrganization = errors.New("audit entry has no organization")
	errMissingEntityType   = errors.New("audit entry has no entity type")
)

func (e Entry) validate() error {
	if e.OrganizationID == "" {
		return errMissingOrganization
	}
	if _, ok := models.ParseAuditAction(string(e.Action)); !ok {
		return fmt.Errorf("unknown audit action %q", e.Action)
	}
	if e.EntityType == "" {
		return errMissingEntityType
	}
	return nil
}

func (e Entry) toLog() *models.AuditLog {
	action, _ := models.ParseAuditAction(string(e.Action))
	return &models.AuditLog{
		OrganizationID: e.OrganizationID,
		ActorUserID:    optional(e.ActorUserID),
		Action:         action,
		EntityType:     e.EntityType,
		EntityID:       optional(e.EntityID),
		Metadata:       e.Metadata,
		IPAddress:      optional(e.IPAddress),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// LogEntry is the shipped form of a committed audit row.
type LogEntry struct {
	ID             string         `json:"id"`
	Seq            int64          `json:"seq"`
	Timestamp      time.Time      `json:"timestamp"`
	OrganizationID string         `json:"organization_id"`
	ActorUserID    string         `json:"actor_user_id,omitempty"`
	Action         string         `json:"action"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	EntryHash      string         `json:"entry_hash,omitempty"`
}

// NewLogEntry converts a committed row for shipping.
func NewLogEntry(log *models.AuditLog) *LogEntry {
	le := &LogEntry{
		ID:             log.ID,
		Seq:            log.Seq,
		Timestamp:      log.CreatedAt,
		OrganizationID: log.OrganizationID,
		Action:         string(log.Action),
		EntityType:     log.EntityType,
		Metadata:       log.Metadata,
	}
	if log.ActorUserID != nil {
		le.ActorUserID = *log.ActorUserID
	}
	if log.EntityID != nil {
		le.EntityID = *log.EntityID
	}
	if log.IPAddress != nil {
		le.IPAddress = *log.IPAddress
	}
	if len(log.EntryHash) > 0 {
		le.EntryHash = hex.EncodeToString(log.EntryHash)
	}
	return le
}
