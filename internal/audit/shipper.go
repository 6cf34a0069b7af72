package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/freightdesk/freightdesk/internal/config"
	"github.com/freightdesk/freightdesk/internal/storage"
	"github.com/freightdesk/freightdesk/internal/telemetry"
)

// Shipper delivers committed audit rows to an external sink.
type Shipper interface {
	// Ship sends an audit log entry to the destination
	Ship(ctx context.Context, entry *LogEntry) error
	// Close flushes buffered entries and releases resources
	Close() error
}

// ShipperDeps carries the shared resources some shippers need.
type ShipperDeps struct {
	// ChainSecret derives the webhook signing key.
	ChainSecret string
	// Archive receives archive shipper batches; nil when storage is disabled.
	Archive storage.Storage
}

type namedShipper struct {
	name string
	Shipper
}

// MultiShipper ships to multiple destinations
type MultiShipper struct {
	shippers []namedShipper
	mu       sync.RWMutex
}

// NewMultiShipper creates a multi-shipper from the enabled configs. On error,
// shippers created so far are closed.
func NewMultiShipper(configs []config.AuditShipperConfig, deps ShipperDeps) (*MultiShipper, error) {
	ms := &MultiShipper{}

	for i, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var shipper Shipper
		var err error

		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				err = fmt.Errorf("webhook config is required for webhook shipper")
				break
			}
			var key []byte
			if cfg.Webhook.SignBodies {
				if key, err = DeriveKey(deps.ChainSecret, signingKeyInfo); err != nil {
					break
				}
			}
			shipper, err = NewWebhookShipper(cfg.Webhook, key)
		case "file":
			if cfg.File == nil {
				err = fmt.Errorf("file config is required for file shipper")
				break
			}
			shipper, err = NewFileShipper(cfg.File)
		case "redis":
			if cfg.Redis == nil {
				err = fmt.Errorf("redis config is required for redis shipper")
				break
			}
			shipper, err = NewRedisStreamShipper(cfg.Redis)
		case "archive":
			if deps.Archive == nil {
				err = fmt.Errorf("archive shipper requires a storage backend")
				break
			}
			var archiveCfg config.AuditArchiveConfig
			if cfg.Archive != nil {
				archiveCfg = *cfg.Archive
			}
			shipper = NewArchiveShipper(deps.Archive, &archiveCfg)
		default:
			err = fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}

		if err != nil {
			_ = ms.Close()
			return nil, fmt.Errorf("failed to create audit shipper %d (%s): %w", i, cfg.Type, err)
		}

		ms.shippers = append(ms.shippers, namedShipper{name: cfg.Type, Shipper: shipper})
	}

	return ms, nil
}

// Len returns the number of active shippers.
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends entry to every shipper. A failing shipper does not stop the
// others; all failures are joined into the returned error.
func (ms *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var errs []error
	for _, s := range ms.shippers {
		if err := s.Ship(ctx, entry); err != nil {
			telemetry.AuditShipFailuresTotal.WithLabelValues(s.name).Inc()
			slog.WarnContext(ctx, "audit shipper failed",
				"shipper", s.name, "audit_id", entry.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var errs []error
	for _, s := range ms.shippers {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	ms.shippers = nil
	return errors.Join(errs...)
}
