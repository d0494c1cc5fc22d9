package etcd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/mirkobrombin/go-cages/v1/coord"
)

// Conn is a session backed by an etcd lease. It implements coord.Conn.
type Conn struct {
	client  *clientv3.Client
	session *concurrency.Session
	id      string
	logger  *slog.Logger
	tracker *coord.Tracker

	closeOnce sync.Once
	closeErr  error
}

var _ coord.Conn = (*Conn)(nil)

func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.tracker.Err()
}

// mapErr translates client failures into coord sentinels.
func (c *Conn) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, rpctypes.ErrLeaseNotFound):
		c.tracker.Transition(coord.StateExpired)
		return fmt.Errorf("%w: %w", coord.ErrSessionExpired, err)
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
	parent := coord.Parent(p)
	lease := clientv3.NoLease
	if flags.Ephemeral() {
		lease = c.session.Lease()
	}

	for {
		target := p
		var cmps []clientv3.Cmp
		var ops []clientv3.Op
		var seqRev int64
		if flags.Sequential() {
			resp, err := c.client.Get(ctx, seqKey(parent))
			if err != nil {
				return "", c.mapErr(err)
			}
			var next int64
			if len(resp.Kvs) == 1 {
				next, _ = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
				seqRev = resp.Kvs[0].ModRevision
			}
			target = coord.FormatSequence(p, next)
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(seqKey(parent)), "=", seqRev))
			ops = append(ops, clientv3.OpPut(seqKey(parent), strconv.FormatInt(next+1, 10)))
		}
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(nodeKey(target)), "=", 0))
		if parent != "/" {
			cmps = append(cmps,
				clientv3.Compare(clientv3.CreateRevision(nodeKey(parent)), ">", 0),
				clientv3.Compare(clientv3.LeaseValue(nodeKey(parent)), "=", clientv3.NoLease),
			)
		}
		ops = append(ops, clientv3.OpPut(nodeKey(target), string(data), clientv3.WithLease(lease)))

		resp, err := c.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
		if err != nil {
			return "", c.mapErr(err)
		}
		if resp.Succeeded {
			return target, nil
		}

		if parent != "/" {
			presp, err := c.client.Get(ctx, nodeKey(parent))
			if err != nil {
				return "", c.mapErr(err)
			}
			if len(presp.Kvs) == 0 {
				return "", fmt.Errorf("%w: parent of %s", coord.ErrNoNode, p)
			}
			if presp.Kvs[0].Lease != int64(clientv3.NoLease) {
				return "", coord.ErrNoChildrenForEphemerals
			}
		}
		if !flags.Sequential() {
			return "", fmt.Errorf("%w: %s", coord.ErrNodeExists, target)
		}
		sresp, err := c.client.Get(ctx, seqKey(parent))
		if err != nil {
			return "", c.mapErr(err)
		}
		if len(sresp.Kvs) == 0 || sresp.Kvs[0].ModRevision == seqRev {
			// The counter did not move, so the name itself is taken.
			return "", fmt.Errorf("%w: %s", coord.ErrNodeExists, target)
		}
		// Another session advanced the counter first.
	}
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
	resp, err := c.client.Txn(ctx).If(
		clientv3.Compare(clientv3.CreateRevision(nodeKey(p)), ">", 0),
		clientv3.Compare(clientv3.CreateRevision(childPrefix(p)).WithPrefix(), "=", 0),
	).Then(
		clientv3.OpDelete(nodeKey(p)),
		clientv3.OpDelete(seqKey(p)),
	).Commit()
	if err != nil {
		return c.mapErr(err)
	}
	if resp.Succeeded {
		return nil
	}
	ok, err := c.Exists(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	return fmt.Errorf("%w: %s", coord.ErrNotEmpty, p)
}

func (c *Conn) get(ctx context.Context, p string) (*clientv3.GetResponse, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if err := coord.Validate(p); err != nil {
		return nil, err
	}
	resp, err := c.client.Get(ctx, nodeKey(p))
	if err != nil {
		return nil, c.mapErr(err)
	}
	return resp, nil
}

// Exists implements coord.Conn.Exists.
func (c *Conn) Exists(ctx context.Context, p string) (bool, error) {
	resp, err := c.get(ctx, p)
	if err != nil {
		return false, err
	}
	return p == "/" || len(resp.Kvs) == 1, nil
}

// ExistsW implements coord.Conn.ExistsW.
func (c *Conn) ExistsW(ctx context.Context, p string) (bool, <-chan coord.Event, error) {
	resp, err := c.get(ctx, p)
	if err != nil {
		return false, nil, err
	}
	ch := c.watchOnce(ctx, p, resp.Header.Revision, watchSpec{key: nodeKey(p), classify: dataEvent})
	return p == "/" || len(resp.Kvs) == 1, ch, nil
}

// Get implements coord.Conn.Get.
func (c *Conn) Get(ctx context.Context, p string) ([]byte, error) {
	resp, err := c.get(ctx, p)
	if err != nil {
		return nil, err
	}
	if p == "/" {
		return nil, nil
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	return resp.Kvs[0].Value, nil
}

// GetW implements coord.Conn.GetW.
func (c *Conn) GetW(ctx context.Context, p string) ([]byte, <-chan coord.Event, error) {
	resp, err := c.get(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	var data []byte
	if p != "/" {
		if len(resp.Kvs) == 0 {
			return nil, nil, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
		}
		data = resp.Kvs[0].Value
	}
	ch := c.watchOnce(ctx, p, resp.Header.Revision, watchSpec{key: nodeKey(p), classify: dataEvent})
	return data, ch, nil
}

// Set implements coord.Conn.Set. The node keeps its lease.
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
	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(nodeKey(p)), ">", 0)).
		Then(clientv3.OpPut(nodeKey(p), string(data), clientv3.WithIgnoreLease())).
		Commit()
	if err != nil {
		return c.mapErr(err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	return nil
}

func (c *Conn) children(ctx context.Context, p string) ([]string, int64, error) {
	if err := c.check(ctx); err != nil {
		return nil, 0, err
	}
	if err := coord.Validate(p); err != nil {
		return nil, 0, err
	}
	prefix := childPrefix(p)
	resp, err := c.client.Txn(ctx).Then(
		clientv3.OpGet(nodeKey(p)),
		clientv3.OpGet(prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly()),
	).Commit()
	if err != nil {
		return nil, 0, c.mapErr(err)
	}
	if p != "/" && len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
		return nil, 0, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	kvs := resp.Responses[1].GetResponseRange().Kvs
	names := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		names = append(names, strings.TrimPrefix(string(kv.Key), prefix))
	}
	return names, resp.Header.Revision, nil
}

// Children implements coord.Conn.Children.
func (c *Conn) Children(ctx context.Context, p string) ([]string, error) {
	names, _, err := c.children(ctx, p)
	return names, err
}

// ChildrenW implements coord.Conn.ChildrenW.
func (c *Conn) ChildrenW(ctx context.Context, p string) ([]string, <-chan coord.Event, error) {
	names, rev, err := c.children(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	ch := c.watchOnce(ctx, p, rev,
		watchSpec{key: childPrefix(p), opts: []clientv3.OpOption{clientv3.WithPrefix()}, classify: childEvent},
		watchSpec{key: nodeKey(p), opts: []clientv3.OpOption{clientv3.WithFilterPut()}, classify: dataEvent},
	)
	return names, ch, nil
}

// SessionID implements coord.Conn.SessionID. It is the lease ID in hex.
func (c *Conn) SessionID() string { return c.id }

// State implements coord.Conn.State.
func (c *Conn) State() coord.State { return c.tracker.State() }

// OnStateChange implements coord.Conn.OnStateChange.
func (c *Conn) OnStateChange(fn func(coord.State)) func() { return c.tracker.OnStateChange(fn) }

// Done implements coord.Conn.Done.
func (c *Conn) Done() <-chan struct{} { return c.tracker.Done() }

// Close revokes the lease, removing every ephemeral node, and closes the
// client.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		expired := c.tracker.State() == coord.StateExpired
		c.tracker.Transition(coord.StateClosed)
		if !expired {
			if err := c.session.Close(); err != nil {
				c.logger.Warn("cages: cannot revoke etcd lease", "error", err)
			}
		}
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}
