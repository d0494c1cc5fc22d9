package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-cages/v1/coord"
)

const closeTimeout = 5 * time.Second

// Conn is a session registered in Redis. It implements coord.Conn.
type Conn struct {
	client  *redis.Client
	owned   bool
	prefix  string
	id      string
	timeout time.Duration
	logger  *slog.Logger
	tracker *coord.Tracker
	ps      *redis.PubSub

	mu      sync.Mutex
	watches map[string][]*watch

	stopKeepalive context.CancelFunc
	stopped       chan struct{}
	closeOnce     sync.Once
	closeErr      error
}

var _ coord.Conn = (*Conn)(nil)

func (c *Conn) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (c *Conn) nodeKey(p string) string { return c.key("node:", p) }

func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.tracker.Err()
}

func (c *Conn) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	if terr := c.tracker.Err(); terr != nil {
		return fmt.Errorf("%w: %w", terr, err)
	}
	return fmt.Errorf("%w: %w", coord.ErrConnectionLoss, err)
}

// Create implements coord.Conn.Create.
func (c *Conn) Create(ctx context.Context, p string, data []byte, flags coord.Flag) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	if err := coord.Validate(p); err != nil {
		return "", err
	}
	if p == "/" {
		return "", coord.ErrNodeExists
	}
	owner, seq := "", "0"
	if flags.Ephemeral() {
		owner = c.id
	}
	if flags.Sequential() {
		seq = "1"
	}
	res, err := createScript.Run(ctx, c.client, nil, c.prefix, p, coord.Parent(p), data, owner, seq).Slice()
	if err != nil {
		return "", c.mapErr(err)
	}
	code, _ := res[0].(int64)
	name, _ := res[1].(string)
	switch code {
	case codeOK:
		return name, nil
	case codeNoNode:
		return "", fmt.Errorf("%w: parent of %s", coord.ErrNoNode, p)
	case codeEphemeralParent:
		return "", coord.ErrNoChildrenForEphemerals
	}
	return "", fmt.Errorf("%w: %s", coord.ErrNodeExists, name)
}

// Delete implements coord.Conn.Delete.
func (c *Conn) Delete(ctx context.Context, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if err := coord.Validate(p); err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("%w: cannot delete root", coord.ErrBadPath)
	}
	code, err := deleteScript.Run(ctx, c.client, nil, c.prefix, p, coord.Parent(p)).Int()
	if err != nil {
		return c.mapErr(err)
	}
	switch code {
	case codeNoNode:
		return fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	case codeNotEmpty:
		return fmt.Errorf("%w: %s", coord.ErrNotEmpty, p)
	}
	return nil
}

func (c *Conn) exists(ctx context.Context, p string) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	if err := coord.Validate(p); err != nil {
		return false, err
	}
	if p == "/" {
		return true, nil
	}
	n, err := c.client.Exists(ctx, c.nodeKey(p)).Result()
	if err != nil {
		return false, c.mapErr(err)
	}
	return n == 1, nil
}

// Exists implements coord.Conn.Exists.
func (c *Conn) Exists(ctx context.Context, p string) (bool, error) {
	return c.exists(ctx, p)
}

// ExistsW implements coord.Conn.ExistsW.
func (c *Conn) ExistsW(ctx context.Context, p string) (bool, <-chan coord.Event, error) {
	w := c.addWatch(ctx, c.key("w:d:", p), p, dataEvent)
	ok, err := c.exists(ctx, p)
	if err != nil {
		c.dropWatch(w)
		return false, nil, err
	}
	return ok, w.ch, nil
}

func (c *Conn) get(ctx context.Context, p string) ([]byte, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if err := coord.Validate(p); err != nil {
		return nil, err
	}
	if p == "/" {
		return nil, nil
	}
	data, err := c.client.HGet(ctx, c.nodeKey(p), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	if err != nil {
		return nil, c.mapErr(err)
	}
	return data, nil
}

// Get implements coord.Conn.Get.
func (c *Conn) Get(ctx context.Context, p string) ([]byte, error) {
	return c.get(ctx, p)
}

// GetW implements coord.Conn.GetW.
func (c *Conn) GetW(ctx context.Context, p string) ([]byte, <-chan coord.Event, error) {
	w := c.addWatch(ctx, c.key("w:d:", p), p, dataEvent)
	data, err := c.get(ctx, p)
	if err != nil {
		c.dropWatch(w)
		return nil, nil, err
	}
	return data, w.ch, nil
}

// Set implements coord.Conn.Set.
func (c *Conn) Set(ctx context.Context, p string, data []byte) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if err := coord.Validate(p); err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("%w: cannot set root data", coord.ErrBadPath)
	}
	code, err := setScript.Run(ctx, c.client, nil, c.prefix, p, data).Int()
	if err != nil {
		return c.mapErr(err)
	}
	if code == codeNoNode {
		return fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	return nil
}

func (c *Conn) children(ctx context.Context, p string) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if err := coord.Validate(p); err != nil {
		return nil, err
	}
	var exists *redis.IntCmd
	var members *redis.StringSliceCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, c.nodeKey(p))
		members = pipe.SMembers(ctx, c.key("kids:", p))
		return nil
	})
	if err != nil {
		return nil, c.mapErr(err)
	}
	if p != "/" && exists.Val() == 0 {
		return nil, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	return members.Val(), nil
}

// Children implements coord.Conn.Children.
func (c *Conn) Children(ctx context.Context, p string) ([]string, error) {
	return c.children(ctx, p)
}

// ChildrenW implements coord.Conn.ChildrenW.
func (c *Conn) ChildrenW(ctx context.Context, p string) ([]string, <-chan coord.Event, error) {
	w := c.addWatch(ctx, c.key("w:c:", p), p, childEvent)
	names, err := c.children(ctx, p)
	if err != nil {
		c.dropWatch(w)
		return nil, nil, err
	}
	return names, w.ch, nil
}

// SessionID implements coord.Conn.SessionID.
func (c *Conn) SessionID() string { return c.id }

// State implements coord.Conn.State.
func (c *Conn) State() coord.State { return c.tracker.State() }

// OnStateChange implements coord.Conn.OnStateChange.
func (c *Conn) OnStateChange(fn func(coord.State)) func() { return c.tracker.OnStateChange(fn) }

// Done implements coord.Conn.Done.
func (c *Conn) Done() <-chan struct{} { return c.tracker.Done() }

// Close unregisters the session, deleting its ephemeral nodes.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.tracker.Transition(coord.StateClosed)
		c.stopKeepalive()
		<-c.stopped
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := reapScript.Run(ctx, c.client, nil, c.prefix, c.id, time.Now().UnixMilli(), "1").Err(); err != nil {
			c.logger.Warn("cages: cannot unregister redis session", "error", err)
			c.closeErr = c.mapErr(err)
		}
		c.dropAllWatches()
		_ = c.ps.Close()
		if c.owned {
			if err := c.client.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}
