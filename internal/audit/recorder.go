package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/freightdesk/freightdesk/internal/db/models"
	"github.com/freightdesk/freightdesk/internal/db/repositories"
	"github.com/freightdesk/freightdesk/internal/safego"
	"github.com/freightdesk/freightdesk/internal/telemetry"
)

// Store appends audit rows.
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog, seal repositories.SealFunc) error
}

// Write results recorded in audit_writes_total.
const (
	resultOK      = "ok"
	resultError   = "error"
	resultDropped = "dropped"
)

const defaultWriteTimeout = 5 * time.Second

// Recorder appends audit entries in the background.
type Recorder struct {
	store   Store
	chain   *Chain
	shipper Shipper
	timeout time.Duration

	// mu orders Record's group.Go against Close, so no write is added to
	// the group once Close has started waiting on it.
	mu     sync.Mutex
	closed bool
	group  safego.Group

	// shipMu is held for reading around Ship and for writing while the
	// shipper is closed, so a write that outlives Close never ships to a
	// closed shipper.
	shipMu        sync.RWMutex
	shipperClosed bool
}

// NewRecorder creates a recorder. chain and shipper may be nil.
func NewRecorder(store Store, chain *Chain, shipper Shipper, writeTimeout time.Duration) *Recorder {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Recorder{store: store, chain: chain, shipper: shipper, timeout: writeTimeout}
}

// Record appends e without blocking the caller. The write runs on a context
// detached from ctx's cancellation so a finished request does not abort it,
// bounded by the recorder's write timeout. Failures are logged and counted,
// never returned. Delivery is at most once.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if err := e.validate(); err != nil {
		telemetry.AuditWritesTotal.WithLabelValues(resultDropped).Inc()
		slog.WarnContext(ctx, "invalid audit entry dropped",
			"organization_id", e.OrganizationID,
			"action", e.Action,
			"entity_type", e.EntityType,
			"error", err)
		return
	}

	detached := context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		telemetry.AuditWritesTotal.WithLabelValues(resultDropped).Inc()
		slog.WarnContext(ctx, "audit entry dropped after shutdown",
			"organization_id", e.OrganizationID, "action", e.Action)
		return
	}
	r.group.Go("audit-record", func() {
		ctx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()
		r.write(ctx, e)
	})
}

func (r *Recorder) write(ctx context.Context, e Entry) {
	log := e.toLog()

	var seal repositories.SealFunc
	if r.chain != nil {
		seal = r.chain.Seal
	}

	if err := r.store.CreateAuditLog(ctx, log, seal); err != nil {
		telemetry.AuditWritesTotal.WithLabelValues(resultError).Inc()
		slog.ErrorContext(ctx, "failed to write audit entry",
			"organization_id", e.OrganizationID,
			"actor_user_id", e.ActorUserID,
			"action", e.Action,
			"entity_type", e.EntityType,
			"entity_id", e.EntityID,
			"error", err)
		return
	}
	telemetry.AuditWritesTotal.WithLabelValues(resultOK).Inc()

	if r.shipper != nil {
		r.ship(ctx, log)
	}
}

func (r *Recorder) ship(ctx context.Context, log *models.AuditLog) {
	r.shipMu.RLock()
	defer r.shipMu.RUnlock()
	if r.shipperClosed {
		slog.WarnContext(ctx, "audit entry stored but not shipped, shipper already closed",
			"organization_id", log.OrganizationID, "audit_log_id", log.ID)
		return
	}
	// Shipper failures are counted and logged per shipper.
	_ = r.shipper.Ship(ctx, NewLogEntry(log))
}

// Close stops accepting entries and waits for in-flight writes until ctx is
// done, then closes the shipper. Writes still running after ctx is done keep
// their database insert but are no longer shipped. A Ship already under way
// is allowed to finish, bounded by the write timeout.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	err := r.group.Wait(ctx)
	if err != nil {
		slog.Warn("audit writes still in flight at shutdown", "error", err)
	}

	if r.shipper != nil {
		r.shipMu.Lock()
		r.shipperClosed = true
		cerr := r.shipper.Close()
		r.shipMu.Unlock()
		if cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
