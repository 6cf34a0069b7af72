package safego

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitOrFail(t *testing.T, wg *sync.WaitGroup, msg string) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error(msg)
	}
}

func TestGo_RunsFunction(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	Go(func() { defer wg.Done() })
	waitOrFail(t, &wg, "goroutine did not complete within timeout")
}

func TestGo_RecoversPanic(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	Go(func() {
		defer wg.Done()
		panic("intentional panic in test")
	})
	waitOrFail(t, &wg, "goroutine did not complete within timeout after panic")
}

// ---------------------------------------------------------------------------
// Group
// ---------------------------------------------------------------------------

func TestGroup_WaitsForInFlight(t *testing.T) {
	var g Group
	var ran atomic.Int32
	release := make(chan struct{})

	for i := 0; i < 3; i++ {
		g.Go("worker", func() {
			<-release
			ran.Add(1)
		})
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if got := ran.Load(); got != 3 {
		t.Errorf("ran = %d, want 3", got)
	}
}

func TestGroup_PanicStillReleasesWait(t *testing.T) {
	var g Group
	g.Go("panicker", func() { panic("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("Wait() error after panic: %v", err)
	}
}

func TestGroup_WaitHonoursContext(t *testing.T) {
	var g Group
	block := make(chan struct{})
	defer close(block)
	g.Go("stuck", func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait() = %v, want context.DeadlineExceeded", err)
	}
}
