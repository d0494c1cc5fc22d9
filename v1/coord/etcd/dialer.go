package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.etcd.io/etcd/client/v3/namespace"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-cages/v1/coord"
)

const (
	// DefaultPrefix namespaces every key written by this package.
	DefaultPrefix      = "cages/"
	defaultDialTimeout = 5 * time.Second
)

// Dialer connects to etcd. The zero value is usable.
type Dialer struct {
	// Prefix namespaces every key. Defaults to DefaultPrefix.
	Prefix string
	// DialTimeout bounds connection and lease creation. Defaults to 5s.
	DialTimeout time.Duration
	Username    string
	Password    string
	// ZapLogger receives etcd client logs. When nil, warnings and errors are
	// forwarded to the session logger.
	ZapLogger *zap.Logger
}

var _ coord.Dialer = Dialer{}

// Dial implements coord.Dialer. Servers are etcd endpoints and the session
// timeout becomes the lease TTL, rounded up to whole seconds.
func (d Dialer) Dial(ctx context.Context, opts coord.DialOptions) (coord.Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := d.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	dialTimeout := d.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	zl := d.ZapLogger
	if zl == nil {
		zl = newZapLogger(logger)
	}

	client, err := clientv3.New(clientv3.Config{
		Context:     context.Background(),
		Endpoints:   opts.Servers,
		DialTimeout: dialTimeout,
		Username:    d.Username,
		Password:    d.Password,
		Logger:      zl,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", coord.ErrUnavailable, err)
	}
	client.KV = namespace.NewKV(client.KV, prefix)
	client.Watcher = namespace.NewWatcher(client.Watcher, prefix)
	client.Lease = namespace.NewLease(client.Lease, prefix)

	ttl := int(math.Ceil(opts.SessionTimeout.Seconds()))
	if ttl < 1 {
		ttl = 1
	}
	gctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	grant, err := client.Grant(gctx, int64(ttl))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: grant lease: %w", coord.ErrUnavailable, err)
	}
	session, err := concurrency.NewSession(client, concurrency.WithLease(grant.ID), concurrency.WithTTL(ttl))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", coord.ErrUnavailable, err)
	}

	c := &Conn{
		client:  client,
		session: session,
		id:      strconv.FormatInt(int64(grant.ID), 16),
		logger:  logger.With("component", "cages-etcd", "session", strconv.FormatInt(int64(grant.ID), 16)),
		tracker: coord.NewTracker(),
	}
	c.tracker.Transition(coord.StateConnected)
	go func() {
		select {
		case <-session.Done():
			if c.tracker.Transition(coord.StateExpired) {
				c.logger.Warn("cages: etcd lease lost")
			}
		case <-c.tracker.Done():
		}
	}()
	return c, nil
}
