// Package gate provides a manual-reset signal: once set, it releases every
// current and future waiter until it is reset.
package gate

import (
	"context"
	"sync"
	"time"
)

// Gate is a manual-reset event. The zero value is not usable; use New.
type Gate struct {
	mu sync.Mutex
	ch chan struct{}
	on bool
}

// New returns a gate, already signaled when signaled is true.
func New(signaled bool) *Gate {
	g := &Gate{ch: make(chan struct{})}
	if signaled {
		g.on = true
		close(g.ch)
	}
	return g
}

// Set signals the gate. Setting a signaled gate is a no-op.
func (g *Gate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.on {
		return
	}
	g.on = true
	close(g.ch)
}

// Reset returns the gate to unsignaled. Waiters already released stay released.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.on {
		return
	}
	g.on = false
	g.ch = make(chan struct{})
}

// IsSet reports whether the gate is signaled.
func (g *Gate) IsSet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.on
}

// Wait blocks until the gate is signaled or ctx is done. It reports whether the
// gate was signaled.
func (g *Gate) Wait(ctx context.Context) bool {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// WaitTimeout is Wait bounded by d.
func (g *Gate) WaitTimeout(d time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return g.Wait(ctx)
}
