package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-cages/v1/coord"
	cerrors "github.com/mirkobrombin/go-cages/v1/errors"
	"github.com/mirkobrombin/go-cages/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-cages/v1/lock")

// abandonTimeout bounds the removal of a request node after its wait ended.
const abandonTimeout = 5 * time.Second

// Locker is implemented by read and write locks.
type Locker interface {
	// Acquire blocks until the lock is granted or ctx is done.
	Acquire(ctx context.Context) error
	// TryAcquire makes a single attempt and reports whether the lock was granted.
	TryAcquire(ctx context.Context) (bool, error)
	// Release gives the lock up. Releasing a lock that is not held is a no-op.
	Release(ctx context.Context) error
}

// Kind tells read requests from write requests.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
)

func (k Kind) String() string {
	if k == KindWrite {
		return "write"
	}
	return "read"
}

func (k Kind) prefix() string { return k.String() + "-" }

// parseRequest decodes a queue node name. ok is false for children that are not
// lock requests.
func parseRequest(name string) (kind Kind, seq int64, ok bool, err error) {
	switch {
	case strings.HasPrefix(name, KindRead.prefix()):
		kind = KindRead
	case strings.HasPrefix(name, KindWrite.prefix()):
		kind = KindWrite
	default:
		return 0, 0, false, nil
	}
	prefix, seq, err := coord.SplitSequence(name)
	if err != nil || prefix != kind.prefix() {
		return 0, 0, true, fmt.Errorf("%w: malformed request node %q", cerrors.ErrProtocol, name)
	}
	return kind, seq, true, nil
}

// State is the lifecycle state of a lock request.
type State int

const (
	StateIdle State = iota
	StateQueued
	StateAcquired
	StateReleased
	// StateAbandoned marks a request whose wait ended without a grant.
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateAcquired:
		return "acquired"
	case StateReleased:
		return "released"
	case StateAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Lock implements the queue protocol shared by read and write locks. The kind
// specific policy decides which earlier requests block this one.
type Lock struct {
	conn    coord.Conn
	root    *Path
	kind    Kind
	blocks  func(sibling Kind) bool
	logger  *slog.Logger
	tracing bool

	mu         sync.Mutex
	node       string
	state      State
	acquiredAt time.Time
}

var _ Locker = (*Lock)(nil)

// Option configures a Lock.
type Option func(*Lock)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(lk *Lock) {
		lk.logger = l
	}
}

// WithTracing records an OpenTelemetry span for every acquisition.
func WithTracing() Option {
	return func(lk *Lock) {
		lk.tracing = true
	}
}

func newLock(conn coord.Conn, path string, kind Kind, blocks func(Kind) bool, opts []Option) (*Lock, error) {
	root, err := NewPath(conn, path)
	if err != nil {
		return nil, err
	}
	if path == "/" {
		return nil, fmt.Errorf("%w: lock path must not be the root", coord.ErrBadPath)
	}
	l := &Lock{
		conn:   conn,
		root:   root,
		kind:   kind,
		blocks: blocks,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the lock path.
func (l *Lock) Path() string { return l.root.String() }

// Kind returns the lock kind.
func (l *Lock) Kind() Kind { return l.kind }

// State returns the state of the current request.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Node returns the path of the current request node, or "" when none is queued.
func (l *Lock) Node() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.node
}

// AcquireTimeout is Acquire bounded by d.
func (l *Lock) AcquireTimeout(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return l.Acquire(ctx)
}

// Acquire enqueues a request and blocks until it is granted. When ctx ends
// first, the request is removed from the queue and an error wrapping
// errors.ErrTimeout is returned. Session loss while queued fails with
// errors.ErrSession. Any error means the lock is not held.
func (l *Lock) Acquire(ctx context.Context) (err error) {
	if l.tracing {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Lock.Acquire", trace.WithAttributes(
			attribute.String("cages.lock.path", l.Path()),
			attribute.String("cages.lock.kind", l.kind.String()),
		))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	start := time.Now()
	if err := l.enqueue(ctx); err != nil {
		return err
	}
	for {
		blocker, err := l.blocker(ctx)
		if err != nil {
			l.abandon(ctx)
			return err
		}
		if blocker == "" {
			l.grant(start)
			return nil
		}
		if err := l.await(ctx, blocker); err != nil {
			l.abandon(ctx)
			return err
		}
	}
}

// TryAcquire enqueues a request and reports whether it was granted right away.
// A request that would have to wait is removed again.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	start := time.Now()
	if err := l.enqueue(ctx); err != nil {
		return false, err
	}
	blocker, err := l.blocker(ctx)
	if err != nil || blocker != "" {
		l.abandon(ctx)
		return false, err
	}
	l.grant(start)
	return true, nil
}

// Release deletes the request node. A node that is already gone, including one
// removed with an expired session, counts as released. While the connection
// is down the node is removed as soon as the session reconnects.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	node, prev := l.node, l.state
	l.node = ""
	if prev == StateQueued || prev == StateAcquired {
		l.state = StateReleased
	}
	l.mu.Unlock()
	if node == "" {
		return nil
	}
	if prev == StateAcquired {
		metrics.LocksHeldGauge.WithLabelValues(l.kind.String()).Dec()
	}
	pending, err := coord.DeleteEphemeral(ctx, l.conn, node, l.logger)
	if err != nil {
		l.logger.Warn("cages: lock release failed", "node", node, "error", err)
		return fmt.Errorf("release %s: %w", node, classify(err))
	}
	if pending {
		l.logger.Warn("cages: lock release deferred until reconnect", "node", node)
		return nil
	}
	l.logger.Debug("cages: lock released", "node", node)
	return nil
}

func (l *Lock) enqueue(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateQueued || l.state == StateAcquired {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s lock on %s is already %s", cerrors.ErrState, l.kind, l.Path(), l.state)
	}
	l.mu.Unlock()

	prefix := l.Path() + "/" + l.kind.prefix()
	var node string
	for attempt := 0; ; attempt++ {
		if err := l.root.Ensure(ctx); err != nil {
			return l.wrapWaitErr(ctx, err)
		}
		var err error
		node, err = l.conn.Create(ctx, prefix, nil, coord.FlagEphemeral|coord.FlagSequential)
		if err == nil {
			break
		}
		// The path was removed since it was last observed.
		if errors.Is(err, coord.ErrNoNode) && attempt < 2 {
			l.root.Invalidate()
			continue
		}
		return l.wrapWaitErr(ctx, fmt.Errorf("enqueue on %s: %w", l.Path(), classify(err)))
	}

	l.mu.Lock()
	l.node = node
	l.state = StateQueued
	l.mu.Unlock()
	l.logger.Debug("cages: lock request queued", "node", node, "kind", l.kind.String())
	return nil
}

// blocker returns the path of the nearest earlier request that conflicts with
// this one, or "" when the lock can be granted.
func (l *Lock) blocker(ctx context.Context) (string, error) {
	node := l.Node()
	own := coord.Base(node)
	_, ownSeq, _, err := parseRequest(own)
	if err != nil {
		return "", err
	}
	names, err := l.conn.Children(ctx, l.Path())
	if err != nil {
		return "", l.wrapWaitErr(ctx, fmt.Errorf("list %s: %w", l.Path(), classify(err)))
	}

	found := false
	best, bestSeq := "", int64(-1)
	for _, name := range names {
		if name == own {
			found = true
			continue
		}
		kind, seq, ok, err := parseRequest(name)
		if err != nil {
			return "", err
		}
		if !ok || seq >= ownSeq || !l.blocks(kind) {
			continue
		}
		if seq > bestSeq {
			best, bestSeq = name, seq
		}
	}
	if !found {
		return "", fmt.Errorf("%w: request node %s vanished while queued", cerrors.ErrProtocol, node)
	}
	if best == "" {
		return "", nil
	}
	return l.Path() + "/" + best, nil
}

// await blocks until blocker is removed. It returns nil right away when the
// blocker is already gone.
func (l *Lock) await(ctx context.Context, blocker string) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ok, ch, err := l.conn.ExistsW(wctx, blocker)
	if err != nil {
		return l.wrapWaitErr(ctx, fmt.Errorf("watch %s: %w", blocker, classify(err)))
	}
	if !ok {
		return nil
	}
	l.logger.Debug("cages: lock request waiting", "node", l.Node(), "blocker", blocker)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return l.wrapWaitErr(ctx, ctx.Err())
	case <-l.conn.Done():
		return fmt.Errorf("%w: session ended while waiting on %s", cerrors.ErrSession, l.Path())
	}
}

// wrapWaitErr turns context termination into errors.ErrTimeout.
func (l *Lock) wrapWaitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		metrics.LockTimeoutCounter.WithLabelValues(l.kind.String()).Inc()
		return fmt.Errorf("%w: %s lock on %s: %w", cerrors.ErrTimeout, l.kind, l.Path(), ctx.Err())
	}
	return err
}

func (l *Lock) grant(start time.Time) {
	l.mu.Lock()
	l.state = StateAcquired
	l.acquiredAt = time.Now()
	node := l.node
	l.mu.Unlock()
	metrics.LockAcquireCounter.WithLabelValues(l.kind.String()).Inc()
	metrics.LockWaitHistogram.WithLabelValues(l.kind.String()).Observe(time.Since(start).Seconds())
	metrics.LocksHeldGauge.WithLabelValues(l.kind.String()).Inc()
	l.logger.Debug("cages: lock acquired", "node", node, "waited", time.Since(start))
}

// abandon removes the request node after a failed wait. The removal uses its
// own bounded context because ctx may already be done.
func (l *Lock) abandon(ctx context.Context) {
	l.mu.Lock()
	node := l.node
	l.node = ""
	l.state = StateAbandoned
	l.mu.Unlock()
	if node == "" {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	if _, err := coord.DeleteEphemeral(dctx, l.conn, node, l.logger); err != nil {
		l.logger.Warn("cages: cannot remove abandoned lock request", "node", node, "error", err)
	}
}

// classify wraps errors caused by the session with errors.ErrSession.
func classify(err error) error {
	if coord.IsSessionLoss(err) && !errors.Is(err, cerrors.ErrSession) {
		return fmt.Errorf("%w: %w", cerrors.ErrSession, err)
	}
	return err
}
