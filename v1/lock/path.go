package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/mirkobrombin/go-cages/v1/coord"
	"github.com/mirkobrombin/go-cages/v1/gate"
)

// Path is a persistent node acting as the root of a lock queue or key set.
// Creating it is idempotent and tolerates concurrent creation by other
// sessions.
type Path struct {
	conn   coord.Conn
	path   string
	mu     sync.Mutex
	synced *gate.Gate
}

// NewPath returns a Path for p. Nothing is created until Ensure or
// WaitSynchronized is called.
func NewPath(conn coord.Conn, p string) (*Path, error) {
	if err := coord.Validate(p); err != nil {
		return nil, err
	}
	return &Path{conn: conn, path: p, synced: gate.New(false)}, nil
}

// String returns the node path.
func (p *Path) String() string { return p.path }

// Ensure creates the node and its ancestors unless a previous call already
// observed them.
func (p *Path) Ensure(ctx context.Context) error {
	if p.synced.IsSet() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.synced.IsSet() {
		return nil
	}
	if err := coord.CreateAll(ctx, p.conn, p.path); err != nil {
		return fmt.Errorf("path %s: %w", p.path, classify(err))
	}
	p.synced.Set()
	return nil
}

// WaitSynchronized blocks until the node has been observed to exist.
func (p *Path) WaitSynchronized(ctx context.Context) error {
	return p.Ensure(ctx)
}

// Synchronized reports whether the node has been observed.
func (p *Path) Synchronized() bool { return p.synced.IsSet() }

// Invalidate forgets a previous observation so the next Ensure checks the node
// again. Callers use it after finding the node missing.
func (p *Path) Invalidate() { p.synced.Reset() }
