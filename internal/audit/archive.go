package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/freightdesk/freightdesk/internal/config"
	"github.com/freightdesk/freightdesk/internal/safego"
	"github.com/freightdesk/freightdesk/internal/storage"
)

const (
	defaultArchivePrefix    = "audit"
	defaultArchiveBatchSize = 500
	archiveContentType      = "application/x-ndjson"
	archiveCloseTimeout     = 30 * time.Second
)

// ArchiveShipper collects entries and writes them to object storage as
// newline-delimited JSON, one object per batch. Object keys are
// prefix/YYYY/MM/DD/<ulid>.ndjson so they list in write order.
type ArchiveShipper struct {
	store         storage.Storage
	prefix        string
	batchSize     int
	flushInterval time.Duration
	now           func() time.Time

	mu      sync.Mutex
	pending []*LogEntry

	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewArchiveShipper starts the periodic flusher.
func NewArchiveShipper(store storage.Storage, cfg *config.AuditArchiveConfig) *ArchiveShipper {
	as := newArchiveShipper(store, cfg)
	as.doneCh = make(chan struct{})
	safego.Go(as.run)
	return as
}

func newArchiveShipper(store storage.Storage, cfg *config.AuditArchiveConfig) *ArchiveShipper {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultArchivePrefix
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultArchiveBatchSize
	}
	interval := time.Duration(cfg.FlushInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &ArchiveShipper{
		store:         store,
		prefix:        prefix,
		batchSize:     batch,
		flushInterval: interval,
		now:           time.Now,
		closeCh:       make(chan struct{}),
	}
}

func (as *ArchiveShipper) run() {
	defer close(as.doneCh)

	ticker := time.NewTicker(as.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), archiveCloseTimeout)
			if err := as.Flush(ctx); err != nil {
				slog.Error("failed to flush audit archive batch", "error", err)
			}
			cancel()
		case <-as.closeCh:
			return
		}
	}
}

// Ship buffers entry, writing the batch once it is full.
func (as *ArchiveShipper) Ship(ctx context.Context, entry *LogEntry) error {
	as.mu.Lock()
	as.pending = append(as.pending, entry)
	full := len(as.pending) >= as.batchSize
	as.mu.Unlock()

	if full {
		return as.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered entries as one object. On failure the entries
// are dropped; archive delivery is best effort like every other shipper.
func (as *ArchiveShipper) Flush(ctx context.Context) error {
	as.mu.Lock()
	batch := as.pending
	as.pending = nil
	as.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode audit entry %s: %w", e.ID, err)
		}
	}

	key := as.objectKey()
	res, err := as.store.Put(ctx, key, buf.Bytes(), archiveContentType)
	if err != nil {
		return fmt.Errorf("failed to archive %d audit entries: %w", len(batch), err)
	}
	slog.DebugContext(ctx, "archived audit batch",
		"key", res.Key, "entries", len(batch), "bytes", res.Size, "checksum", res.Checksum)
	return nil
}

func (as *ArchiveShipper) objectKey() string {
	now := as.now().UTC()
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy())
	return fmt.Sprintf("%s/%s/%s.ndjson", as.prefix, now.Format("2006/01/02"), id.String())
}

// Close stops the flusher and writes what is still buffered.
func (as *ArchiveShipper) Close() error {
	as.closeOnce.Do(func() { close(as.closeCh) })
	if as.doneCh != nil {
		<-as.doneCh
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveCloseTimeout)
	defer cancel()
	return as.Flush(ctx)
}
