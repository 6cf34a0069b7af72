// audit_repository.go implements AuditRepository, the append-only store behind the audit
// trail. Entries of one organization form a hash chain; appends for the same organization
// are serialized with a transaction-scoped advisory lock so two writers never link to the
// same predecessor.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/freightdesk/freightdesk/internal/db/models"
)

// SealFunc computes the entry hash of log given the hash of its predecessor
// (nil for the first entry of an organization).
type SealFunc func(prevHash []byte, log *models.AuditLog) ([]byte, error)

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// CreateAuditLog appends log to its organization's chain. ID and CreatedAt are assigned
// here; CreatedAt is truncated to microseconds so the value hashed is the value stored.
// When seal is nil the row is written without chain hashes.
func (r *AuditRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog, seal SealFunc) (err error) {
	log.ID = uuid.New().String()
	log.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	var metadataJSON []byte
	if log.Metadata != nil {
		metadataJSON, err = json.Marshal(log.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if seal != nil {
		if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, log.OrganizationID); err != nil {
			return fmt.Errorf("failed to lock audit chain: %w", err)
		}

		var prev []byte
		err = tx.QueryRowContext(ctx, `
			SELECT entry_hash FROM audit_logs
			WHERE organization_id = $1
			ORDER BY seq DESC
			LIMIT 1
		`, log.OrganizationID).Scan(&prev)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read audit chain head: %w", err)
		}

		log.PrevHash = prev
		log.EntryHash, err = seal(prev, log)
		if err != nil {
			return fmt.Errorf("failed to seal audit entry: %w", err)
		}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO audit_logs (id, organization_id, actor_user_id, action, entity_type, entity_id,
		                        metadata, ip_address, created_at, prev_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq
	`,
		log.ID,
		log.OrganizationID,
		log.ActorUserID,
		string(log.Action),
		log.EntityType,
		log.EntityID,
		metadataJSON,
		log.IPAddress,
		log.CreatedAt,
		log.PrevHash,
		log.EntryHash,
	).Scan(&log.Seq)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit log: %w", err)
	}
	return nil
}

// ListChain returns up to limit entries of orgID with seq > afterSeq, in chain order.
func (r *AuditRepository) ListChain(ctx context.Context, orgID string, afterSeq int64, limit int) ([]*models.AuditLog, error) {
	query := `
		SELECT id, seq, organization_id, actor_user_id, action, entity_type, entity_id,
		       metadata, ip_address, created_at, prev_hash, entry_hash
		FROM audit_logs
		WHERE organization_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, orgID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit chain: %w", err)
	}
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)
	for rows.Next() {
		log := &models.AuditLog{}
		var action string
		var metadataJSON []byte

		if err := rows.Scan(
			&log.ID,
			&log.Seq,
			&log.OrganizationID,
			&log.ActorUserID,
			&action,
			&log.EntityType,
			&log.EntityID,
			&metadataJSON,
			&log.IPAddress,
			&log.CreatedAt,
			&log.PrevHash,
			&log.EntryHash,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		log.Action = models.AuditAction(action)
		log.CreatedAt = log.CreatedAt.UTC()

		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &log.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// ListActiveOrganizations returns the IDs of organizations with audit entries written at or
// after since.
func (r *AuditRepository) ListActiveOrganizations(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT organization_id FROM audit_logs WHERE created_at >= $1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list audited organizations: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan organization id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
