// Package safego provides panic-recovering goroutine launchers for background work.
package safego

import (
	"context"
	"log/slog"
	"sync"
)

// Go launches fn in a new goroutine. If fn panics, the panic is recovered and
// logged rather than crashing the process.
func Go(fn func()) {
	go func() {
		defer recoverAndLog("")
		fn()
	}()
}

func recoverAndLog(name string) {
	if r := recover(); r != nil {
		if name == "" {
			slog.Error("recovered panic in background goroutine", "panic", r)
			return
		}
		slog.Error("recovered panic in background goroutine", "panic", r, "task", name)
	}
}

// Group tracks fire-and-forget goroutines so shutdown can wait for the ones
// still in flight. The zero value is ready to use.
type Group struct {
	wg sync.WaitGroup
}

// Go launches fn like the package-level Go and counts it until it returns
// (or panics).
func (g *Group) Go(name string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer recoverAndLog(name)
		fn()
	}()
}

// Wait blocks until every goroutine started through g has returned or ctx is
// done, whichever comes first.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
