package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/freightdesk/freightdesk/internal/audit"
	"github.com/freightdesk/freightdesk/internal/db/models"
	"github.com/freightdesk/freightdesk/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type chainStore struct {
	mu       sync.Mutex
	chains   map[string][]*models.AuditLog
	listErr  error
	chainErr error
	since    []time.Time
	reads    int
}

func (s *chainStore) ListActiveOrganizations(_ context.Context, since time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since = append(s.since, since)
	if s.listErr != nil {
		return nil, s.listErr
	}
	ids := make([]string, 0, len(s.chains))
	for id := range s.chains {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *chainStore) ListChain(_ context.Context, orgID string, afterSeq int64, limit int) ([]*models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.chainErr != nil {
		return nil, s.chainErr
	}
	var out []*models.AuditLog
	for _, e := range s.chains[orgID] {
		if e.Seq > afterSeq && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestChain(t *testing.T) *audit.Chain {
	t.Helper()
	c, err := audit.NewChain("verifier-test-secret")
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	return c
}

// appendEntries seals n new rows onto orgID's chain in s.
func appendEntries(t *testing.T, s *chainStore, c *audit.Chain, orgID string, n int) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.chains[orgID]
	var prev []byte
	seq := int64(0)
	if len(existing) > 0 {
		last := existing[len(existing)-1]
		prev, seq = last.EntryHash, last.Seq
	}
	for i := 0; i < n; i++ {
		seq++
		actor := "user-1"
		e := &models.AuditLog{
			ID:             fmt.Sprintf("%s-%d", orgID, seq),
			Seq:            seq,
			OrganizationID: orgID,
			ActorUserID:    &actor,
			Action:         models.AuditActionUpdate,
			EntityType:     "quotes",
			CreatedAt:      time.Date(2026, 10, 18, 9, 0, int(seq), 0, time.UTC),
		}
		h, err := c.Seal(prev, e)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		e.PrevHash, e.EntryHash = prev, h
		prev = h
		existing = append(existing, e)
	}
	if s.chains == nil {
		s.chains = map[string][]*models.AuditLog{}
	}
	s.chains[orgID] = existing
}

// ---------------------------------------------------------------------------
// NewAuditChainVerifier
// ---------------------------------------------------------------------------

func TestNewAuditChainVerifier_DefaultInterval(t *testing.T) {
	v := NewAuditChainVerifier(&chainStore{}, nil, 0)
	if v.interval != 15*time.Minute {
		t.Errorf("interval = %v, want 15m", v.interval)
	}
	if v.pageSize != DefaultChainPageSize {
		t.Errorf("pageSize = %d, want %d", v.pageSize, DefaultChainPageSize)
	}
}

// ---------------------------------------------------------------------------
// RunOnce
// ---------------------------------------------------------------------------

func TestRunOnce_VerifiesAllPages(t *testing.T) {
	c := newTestChain(t)
	s := &chainStore{}
	appendEntries(t, s, c, "org-a", 7)
	appendEntries(t, s, c, "org-b", 2)

	v := NewAuditChainVerifier(s, c, time.Minute)
	v.pageSize = 3

	summary, err := v.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.Organizations != 2 || summary.Entries != 9 || summary.Breaks != 0 || summary.Failures != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if p := v.progress["org-a"]; p.seq != 7 {
		t.Errorf("org-a progress seq = %d, want 7", p.seq)
	}
	if !s.since[0].IsZero() {
		t.Errorf("first run since = %v, want zero time", s.since[0])
	}
}

func TestRunOnce_IsIncremental(t *testing.T) {
	c := newTestChain(t)
	s := &chainStore{}
	appendEntries(t, s, c, "org-a", 4)

	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	v := NewAuditChainVerifier(s, c, time.Minute)
	v.now = func() time.Time { return now }

	if _, err := v.RunOnce(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	appendEntries(t, s, c, "org-a", 3)
	summary, err := v.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Entries != 3 {
		t.Errorf("second run verified %d entries, want only the 3 new ones", summary.Entries)
	}
	if want := now.Add(-activityOverlap); !s.since[1].Equal(want) {
		t.Errorf("second run since = %v, want %v", s.since[1], want)
	}
}

func TestRunOnce_DetectsBreakOnce(t *testing.T) {
	c := newTestChain(t)
	s := &chainStore{}
	appendEntries(t, s, c, "org-tampered", 5)
	s.chains["org-tampered"][2].EntityType = "invoices"

	breaks := telemetry.AuditChainBreaksTotal.WithLabelValues("org-tampered")
	before := testutil.ToFloat64(breaks)

	v := NewAuditChainVerifier(s, c, time.Minute)
	summary, err := v.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.Breaks != 1 || summary.Entries != 2 {
		t.Errorf("summary = %+v, want 1 break after 2 verified entries", summary)
	}

	summary, _ = v.RunOnce(context.Background())
	if summary.Breaks != 0 || summary.Organizations != 0 {
		t.Errorf("second run summary = %+v, want broken org skipped", summary)
	}
	if got := testutil.ToFloat64(breaks) - before; got != 1 {
		t.Errorf("audit_chain_breaks_total delta = %v, want 1", got)
	}
}

func TestRunOnce_ListError(t *testing.T) {
	s := &chainStore{listErr: errors.New("db down")}
	v := NewAuditChainVerifier(s, newTestChain(t), time.Minute)

	if _, err := v.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce() = nil error, want list error")
	}
	if !v.lastRun.IsZero() {
		t.Error("lastRun advanced after a failed run")
	}
}

func TestRunOnce_ChainReadErrorCountsFailure(t *testing.T) {
	c := newTestChain(t)
	s := &chainStore{}
	appendEntries(t, s, c, "org-a", 2)
	s.chainErr = errors.New("timeout")

	v := NewAuditChainVerifier(s, c, time.Minute)
	summary, err := v.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.Failures != 1 {
		t.Errorf("Failures = %d, want 1", summary.Failures)
	}
	if v.progress["org-a"].broken {
		t.Error("a read failure must not mark the chain broken")
	}
}

// ---------------------------------------------------------------------------
// VerifyOrganization
// ---------------------------------------------------------------------------

func TestVerifyOrganization(t *testing.T) {
	c := newTestChain(t)
	s := &chainStore{}
	appendEntries(t, s, c, "org-a", 5)

	res, err := VerifyOrganization(context.Background(), s, c, "org-a", 2)
	if err != nil {
		t.Fatalf("VerifyOrganization: %v", err)
	}
	if res.Verified != 5 || res.HeadSeq != 5 || res.Break != nil {
		t.Errorf("result = %+v", res)
	}

	// Deleting a row breaks the link of the next one.
	s.chains["org-a"] = append(s.chains["org-a"][:3:3], s.chains["org-a"][4])
	res, err = VerifyOrganization(context.Background(), s, c, "org-a", 0)
	if err != nil {
		t.Fatalf("VerifyOrganization: %v", err)
	}
	if res.Break == nil || res.Break.Seq != 5 || res.Verified != 3 || res.HeadSeq != 3 {
		t.Errorf("result = %+v, want break at seq 5 after 3 entries", res)
	}
}

func TestVerifyOrganization_EmptyChain(t *testing.T) {
	res, err := VerifyOrganization(context.Background(), &chainStore{}, newTestChain(t), "org-none", 10)
	if err != nil || res.Verified != 0 || res.Break != nil {
		t.Errorf("result = %+v, %v", res, err)
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

func TestAuditChainVerifier_StartStop(t *testing.T) {
	c := newTestChain(t)
	s := &chainStore{}
	appendEntries(t, s, c, "org-a", 1)
	v := NewAuditChainVerifier(s, c, time.Hour)

	done := make(chan struct{})
	go func() {
		v.Start(context.Background())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		ran := len(s.since) > 0
		s.mu.Unlock()
		if ran {
			break
		}
		select {
		case <-deadline:
			t.Fatal("verifier did not run on start")
		case <-time.After(5 * time.Millisecond):
		}
	}

	v.Stop()
	v.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestAuditChainVerifier_StartReturnsOnCancel(t *testing.T) {
	v := NewAuditChainVerifier(&chainStore{}, newTestChain(t), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		v.Start(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}
