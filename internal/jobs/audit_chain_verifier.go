// Package jobs contains background workers that run on a schedule.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/freightdesk/freightdesk/internal/audit"
	"github.com/freightdesk/freightdesk/internal/db/models"
	"github.com/freightdesk/freightdesk/internal/telemetry"
)

// DefaultChainPageSize is the number of audit rows read per query.
const DefaultChainPageSize = 500

// activityOverlap widens each run's activity window so rows committed around
// the previous run's start are not missed.
const activityOverlap = time.Minute

// ChainStore reads audit chains.
type ChainStore interface {
	ListChain(ctx context.Context, orgID string, afterSeq int64, limit int) ([]*models.AuditLog, error)
	ListActiveOrganizations(ctx context.Context, since time.Time) ([]string, error)
}

// VerifyResult describes the verification of one organization's chain.
type VerifyResult struct {
	OrganizationID string
	Verified       int
	HeadSeq        int64
	Break          *audit.BreakError
}

// RunSummary totals one verifier run.
type RunSummary struct {
	Organizations int
	Entries       int
	Breaks        int
	Failures      int
}

type chainProgress struct {
	seq    int64
	hash   []byte
	broken bool
}

// AuditChainVerifier periodically re-derives the audit hash chain of every
// organization with recent activity. Progress is kept per organization, so
// each run only reads rows appended since the last one. An organization whose
// chain is broken is reported once and then skipped until restart.
type AuditChainVerifier struct {
	store    ChainStore
	chain    *audit.Chain
	interval time.Duration
	pageSize int
	now      func() time.Time

	mu       sync.Mutex
	progress map[string]*chainProgress
	lastRun  time.Time

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewAuditChainVerifier creates a verifier. A non-positive interval defaults
// to 15 minutes.
func NewAuditChainVerifier(store ChainStore, chain *audit.Chain, interval time.Duration) *AuditChainVerifier {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &AuditChainVerifier{
		store:    store,
		chain:    chain,
		interval: interval,
		pageSize: DefaultChainPageSize,
		now:      time.Now,
		progress: make(map[string]*chainProgress),
		stopChan: make(chan struct{}),
	}
}

// Start runs a verification immediately and then on every tick until Stop is
// called or ctx is cancelled.
func (v *AuditChainVerifier) Start(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	slog.Info("audit chain verifier started", "interval", v.interval)

	v.run(ctx)
	for {
		select {
		case <-ticker.C:
			v.run(ctx)
		case <-v.stopChan:
			slog.Info("audit chain verifier stopped")
			return
		case <-ctx.Done():
			slog.Info("audit chain verifier context cancelled")
			return
		}
	}
}

// Stop stops the verifier. It is safe to call more than once.
func (v *AuditChainVerifier) Stop() {
	v.stopOnce.Do(func() { close(v.stopChan) })
}

func (v *AuditChainVerifier) run(ctx context.Context) {
	summary, err := v.RunOnce(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "audit chain verification failed", "error", err)
		return
	}
	slog.InfoContext(ctx, "audit chain verification completed",
		"organizations", summary.Organizations,
		"entries", summary.Entries,
		"breaks", summary.Breaks,
		"failures", summary.Failures)
}

// RunOnce verifies every organization with activity since the previous run
// (all organizations on the first run).
func (v *AuditChainVerifier) RunOnce(ctx context.Context) (RunSummary, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	started := v.now()
	defer func() {
		telemetry.AuditChainVerifyDuration.Observe(v.now().Sub(started).Seconds())
	}()

	var since time.Time
	if !v.lastRun.IsZero() {
		since = v.lastRun.Add(-activityOverlap)
	}

	orgs, err := v.store.ListActiveOrganizations(ctx, since)
	if err != nil {
		return RunSummary{}, err
	}

	var summary RunSummary
	for _, orgID := range orgs {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		p, ok := v.progress[orgID]
		if !ok {
			p = &chainProgress{}
			v.progress[orgID] = p
		}
		if p.broken {
			continue
		}

		summary.Organizations++
		res, err := v.verifyFrom(ctx, orgID, p)
		summary.Entries += res.Verified
		if err != nil {
			summary.Failures++
			slog.WarnContext(ctx, "failed to verify audit chain", "organization_id", orgID, "error", err)
			continue
		}
		if res.Break != nil {
			summary.Breaks++
			p.broken = true
			telemetry.AuditChainBreaksTotal.WithLabelValues(orgID).Inc()
			slog.ErrorContext(ctx, "audit chain break detected",
				"organization_id", orgID,
				"seq", res.Break.Seq,
				"entry_id", res.Break.ID,
				"reason", res.Break.Reason)
		}
	}

	v.lastRun = started
	return summary, nil
}

// verifyFrom verifies orgID's rows after p, advancing p past every page that
// verifies cleanly.
func (v *AuditChainVerifier) verifyFrom(ctx context.Context, orgID string, p *chainProgress) (VerifyResult, error) {
	return verifyChain(ctx, v.store, v.chain, orgID, v.pageSize, p)
}

// VerifyOrganization verifies orgID's entire chain from its first row.
func VerifyOrganization(ctx context.Context, store ChainStore, chain *audit.Chain, orgID string, pageSize int) (VerifyResult, error) {
	if pageSize <= 0 {
		pageSize = DefaultChainPageSize
	}
	return verifyChain(ctx, store, chain, orgID, pageSize, &chainProgress{})
}

func verifyChain(ctx context.Context, store ChainStore, chain *audit.Chain, orgID string, pageSize int, p *chainProgress) (VerifyResult, error) {
	res := VerifyResult{OrganizationID: orgID, HeadSeq: p.seq}

	for {
		entries, err := store.ListChain(ctx, orgID, p.seq, pageSize)
		if err != nil {
			return res, err
		}
		if len(entries) == 0 {
			return res, nil
		}

		head, err := chain.VerifyChain(p.hash, entries)
		if err != nil {
			var brk *audit.BreakError
			if !errors.As(err, &brk) {
				return res, fmt.Errorf("failed to verify chain page after seq %d: %w", p.seq, err)
			}
			for _, e := range entries {
				if e.Seq >= brk.Seq {
					break
				}
				res.Verified++
				res.HeadSeq = e.Seq
			}
			res.Break = brk
			return res, nil
		}

		res.Verified += len(entries)
		p.seq = entries[len(entries)-1].Seq
		p.hash = head
		res.HeadSeq = p.seq

		if len(entries) < pageSize {
			return res, nil
		}
	}
}
