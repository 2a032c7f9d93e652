package orchestrator

import (
	"context"
	"sync"
)

// pauseGate suspends a task at step boundaries. The gate starts open; pause
// swaps in a blocking channel and resume closes it again.
type pauseGate struct {
	mu sync.Mutex
	ch chan struct{} // closed while the gate is open
}

func newPauseGate() *pauseGate {
	ch := make(chan struct{})
	close(ch)
	return &pauseGate{ch: ch}
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
		// Already paused.
	}
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		// Already open.
	default:
		close(g.ch)
	}
}

// wait blocks until the gate is open. Cancellation takes priority over a
// concurrently opened gate so a cancelled task never starts another step.
func (g *pauseGate) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	return ctx.Err()
}
