package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-cages/v1/coord"
)

// Conn is a session on a Server. It implements coord.Conn.
type Conn struct {
	server  *Server
	id      string
	timeout time.Duration
	tracker *coord.Tracker

	mu     sync.Mutex
	expiry *time.Timer
}

var _ coord.Conn = (*Conn)(nil)

func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.tracker.Err()
}

// Create implements coord.Conn.Create.
func (c *Conn) Create(ctx context.Context, path string, data []byte, flags coord.Flag) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	return c.server.create(c.id, path, data, flags)
}

// Delete implements coord.Conn.Delete.
func (c *Conn) Delete(ctx context.Context, path string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.server.delete(path)
}

// Exists implements coord.Conn.Exists.
func (c *Conn) Exists(ctx context.Context, path string) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	ok, _, err := c.server.exists(ctx, c.id, path, false)
	return ok, err
}

// ExistsW implements coord.Conn.ExistsW.
func (c *Conn) ExistsW(ctx context.Context, path string) (bool, <-chan coord.Event, error) {
	if err := c.check(ctx); err != nil {
		return false, nil, err
	}
	return c.server.exists(ctx, c.id, path, true)
}

// Get implements coord.Conn.Get.
func (c *Conn) Get(ctx context.Context, path string) ([]byte, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	data, _, err := c.server.get(ctx, c.id, path, false)
	return data, err
}

// GetW implements coord.Conn.GetW.
func (c *Conn) GetW(ctx context.Context, path string) ([]byte, <-chan coord.Event, error) {
	if err := c.check(ctx); err != nil {
		return nil, nil, err
	}
	return c.server.get(ctx, c.id, path, true)
}

// Set implements coord.Conn.Set.
func (c *Conn) Set(ctx context.Context, path string, data []byte) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.server.set(path, data)
}

// Children implements coord.Conn.Children.
func (c *Conn) Children(ctx context.Context, path string) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	names, _, err := c.server.children(ctx, c.id, path, false)
	return names, err
}

// ChildrenW implements coord.Conn.ChildrenW.
func (c *Conn) ChildrenW(ctx context.Context, path string) ([]string, <-chan coord.Event, error) {
	if err := c.check(ctx); err != nil {
		return nil, nil, err
	}
	return c.server.children(ctx, c.id, path, true)
}

// SessionID implements coord.Conn.SessionID.
func (c *Conn) SessionID() string { return c.id }

// State implements coord.Conn.State.
func (c *Conn) State() coord.State { return c.tracker.State() }

// OnStateChange implements coord.Conn.OnStateChange.
func (c *Conn) OnStateChange(fn func(coord.State)) func() { return c.tracker.OnStateChange(fn) }

// Done implements coord.Conn.Done.
func (c *Conn) Done() <-chan struct{} { return c.tracker.Done() }

// Close ends the session, removing its ephemeral nodes. It is idempotent.
func (c *Conn) Close() error {
	c.server.endSession(c.id, coord.StateClosed)
	return nil
}

// Dialer dials sessions on Server. The server list of the connect string is
// ignored.
type Dialer struct {
	Server *Server
}

// Dial implements coord.Dialer.
func (d Dialer) Dial(ctx context.Context, opts coord.DialOptions) (coord.Conn, error) {
	c, err := d.Server.Connect(ctx, opts.SessionTimeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}
