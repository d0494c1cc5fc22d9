package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-cages/v1/coord"
)

// DefaultPrefix namespaces every key and channel written by this package.
const DefaultPrefix = "cages:"

// Dialer connects to Redis. The zero value dials the first server listed in
// the connect string.
type Dialer struct {
	// Client is used instead of dialing when set. It is not closed by Close.
	Client   *redis.Client
	Prefix   string
	Password string
	DB       int
}

var _ coord.Dialer = Dialer{}

// Dial implements coord.Dialer.
func (d Dialer) Dial(ctx context.Context, opts coord.DialOptions) (coord.Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := d.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	timeout := opts.SessionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client, owned := d.Client, false
	if client == nil {
		if len(opts.Servers) == 0 {
			return nil, fmt.Errorf("%w: no server", coord.ErrUnavailable)
		}
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Servers[0],
			Password: d.Password,
			DB:       d.DB,
		})
		owned = true
	}
	fail := func(err error) (coord.Conn, error) {
		if owned {
			_ = client.Close()
		}
		return nil, fmt.Errorf("%w: %w", coord.ErrUnavailable, err)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return fail(err)
	}

	id := uuid.NewString()
	kctx, stopKeepalive := context.WithCancel(context.Background())
	c := &Conn{
		client:        client,
		owned:         owned,
		prefix:        prefix,
		id:            id,
		timeout:       timeout,
		logger:        logger.With("component", "cages-redis", "session", id),
		tracker:       coord.NewTracker(),
		watches:       make(map[string][]*watch),
		stopKeepalive: stopKeepalive,
		stopped:       make(chan struct{}),
	}
	c.ps = client.PSubscribe(context.Background(), prefix+"w:*")
	if _, err := c.ps.Receive(ctx); err != nil {
		stopKeepalive()
		_ = c.ps.Close()
		return fail(err)
	}
	deadline := time.Now().Add(timeout).UnixMilli()
	if err := client.ZAdd(ctx, c.key("sessions"), redis.Z{Score: float64(deadline), Member: id}).Err(); err != nil {
		stopKeepalive()
		_ = c.ps.Close()
		return fail(err)
	}

	c.tracker.Transition(coord.StateConnected)
	go c.dispatch()
	go c.keepalive(kctx)
	return c, nil
}
