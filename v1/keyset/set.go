package keyset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-cages/v1/coord"
	cerrors "github.com/mirkobrombin/go-cages/v1/errors"
	"github.com/mirkobrombin/go-cages/v1/gate"
	"github.com/mirkobrombin/go-cages/v1/lock"
	"github.com/mirkobrombin/go-cages/v1/metrics"
	"github.com/mirkobrombin/go-cages/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-cages/v1/keyset")

const (
	// readConcurrency bounds parallel contribution reads in one refresh.
	readConcurrency = 16
	publishTimeout  = 5 * time.Second
)

// Snapshot is the payload published to a watch bus after every change.
type Snapshot struct {
	Path        string    `json:"path"`
	Contributor string    `json:"contributor"`
	Keys        Keys      `json:"keys"`
	At          time.Time `json:"at"`
}

// Set is one participant of a contributed key set.
type Set struct {
	conn      coord.Conn
	root      *lock.Path
	id        string
	node      string
	ephemeral bool
	codec     Codec
	logger    *slog.Logger
	bus       watchbus.WatchBus
	busKey    string
	tracing   bool

	pubMu     sync.Mutex
	mine      Keys
	published bool

	mu        sync.Mutex
	view      Keys
	populated bool
	listeners map[uint64]*listener
	nextID    uint64
	closed    bool
	err       error

	synced *gate.Gate
	cancel context.CancelFunc
	done   chan struct{}
}

// New joins the set rooted at path with keys as this participant's
// contribution. An ephemeral contribution disappears with the session; a
// persistent one survives it and is taken over by the next Set using the same
// contributor ID. The aggregate is refreshed in the background until Close.
func New(ctx context.Context, conn coord.Conn, path string, keys []string, ephemeral bool, opts ...Option) (*Set, error) {
	root, err := lock.NewPath(conn, path)
	if err != nil {
		return nil, err
	}
	s := &Set{
		conn:      conn,
		root:      root,
		id:        uuid.NewString(),
		ephemeral: ephemeral,
		codec:     JSONCodec{},
		logger:    slog.Default(),
		view:      NewKeys(),
		listeners: make(map[uint64]*listener),
		synced:    gate.New(false),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" || strings.Contains(s.id, "/") {
		return nil, fmt.Errorf("%w: invalid contributor id %q", coord.ErrBadPath, s.id)
	}
	s.node = coord.Join(path, s.id)

	if err := root.Ensure(ctx); err != nil {
		return nil, err
	}
	if err := s.publish(ctx, NewKeys(keys...), false); err != nil {
		return nil, err
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.run(loopCtx)
	return s, nil
}

// Path returns the set path.
func (s *Set) Path() string { return s.root.String() }

// ContributorID returns the name of this participant's contribution node.
func (s *Set) ContributorID() string { return s.id }

// Contribution returns the keys this participant last published.
func (s *Set) Contribution() Keys {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	return s.mine
}

// KeySet returns the union of every contribution, this participant's included,
// as of the last refresh.
func (s *Set) KeySet() Keys {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// AdjustMyContribution replaces this participant's keys. Publishing the keys
// already published is a no-op.
func (s *Set) AdjustMyContribution(ctx context.Context, keys []string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: key set %s is closed", cerrors.ErrState, s.Path())
	}
	return s.publish(ctx, NewKeys(keys...), false)
}

// WaitSynchronized blocks until the first full refresh completed. It fails
// with errors.ErrTimeout when ctx ends first, or with the error that stopped
// the refresh loop.
func (s *Set) WaitSynchronized(ctx context.Context) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-wctx.Done():
		}
	}()
	if s.synced.Wait(wctx) {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: key set %s not synchronized: %w", cerrors.ErrTimeout, s.Path(), ctx.Err())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// AddUpdateListener registers fn to be called with every new aggregate. Calls
// are asynchronous and serialized per listener. With replay, fn also receives
// the current aggregate right away when one is known. The returned function
// removes the listener.
func (s *Set) AddUpdateListener(fn func(Keys), replay bool) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	l := newListener(fn)
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	if replay && s.populated {
		l.push(s.view)
	}
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
		l.close()
	}
}

// Close stops refreshing, drops every listener and removes an ephemeral
// contribution. Persistent contributions stay. Close is idempotent.
func (s *Set) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	if s.err == nil {
		s.err = fmt.Errorf("%w: key set %s is closed", cerrors.ErrState, s.Path())
	}
	s.mu.Unlock()

	s.cancel()
	<-s.done
	for _, l := range listeners {
		l.close()
	}
	if !s.ephemeral {
		return nil
	}
	pending, err := coord.DeleteEphemeral(ctx, s.conn, s.node, s.logger)
	if err != nil {
		return fmt.Errorf("remove contribution %s: %w", s.node, classify(err))
	}
	if pending {
		s.logger.Warn("cages: contribution removal deferred until reconnect", "node", s.node)
	}
	return nil
}

func (s *Set) publish(ctx context.Context, keys Keys, force bool) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if !force && s.published && keys.Equal(s.mine) {
		return nil
	}
	data, err := s.codec.Marshal(keys.Sorted())
	if err != nil {
		return fmt.Errorf("encode contribution: %w", err)
	}
	if err := s.write(ctx, data); err != nil {
		return fmt.Errorf("publish contribution %s: %w", s.node, classify(err))
	}
	s.mine = keys
	s.published = true
	s.logger.Debug("cages: contribution published", "node", s.node, "keys", keys.Len())
	return nil
}

func (s *Set) write(ctx context.Context, data []byte) error {
	if s.published {
		err := s.conn.Set(ctx, s.node, data)
		if !errors.Is(err, coord.ErrNoNode) {
			return err
		}
	}
	var flags coord.Flag
	if s.ephemeral {
		flags = coord.FlagEphemeral
	}
	_, err := s.conn.Create(ctx, s.node, data, flags)
	if errors.Is(err, coord.ErrNodeExists) {
		return s.conn.Set(ctx, s.node, data)
	}
	return err
}

func (s *Set) run(ctx context.Context) {
	defer close(s.done)
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 50 * time.Millisecond
	retry.MaxInterval = 5 * time.Second
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		cctx, cancel := context.WithCancel(ctx)
		wake, err := s.cycle(cctx)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, coord.ErrConnectionLoss) {
				s.logger.Warn("cages: key set waiting for reconnect", "path", s.Path(), "error", err)
				if werr := coord.WaitConnected(ctx, s.conn); werr != nil {
					if ctx.Err() != nil {
						return
					}
					err = werr
				}
			}
			if errors.Is(err, coord.ErrSessionExpired) || errors.Is(err, coord.ErrClosed) {
				s.stop(err)
				return
			}
			delay := retry.NextBackOff()
			s.logger.Warn("cages: key set refresh failed", "path", s.Path(), "delay", delay, "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		retry.Reset()

		select {
		case <-wake:
			cancel()
		case <-ctx.Done():
			cancel()
			return
		case <-s.conn.Done():
			cancel()
			s.stop(fmt.Errorf("%w: session ended", cerrors.ErrSession))
			return
		}
	}
}

func (s *Set) stop(err error) {
	s.logger.Error("cages: key set stopped refreshing", "path", s.Path(), "error", err)
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("key set %s: %w", s.Path(), classify(err))
	}
	s.mu.Unlock()
}

// cycle performs one refresh and returns a channel signalled by the first of
// the watches it armed.
func (s *Set) cycle(ctx context.Context) (_ <-chan struct{}, err error) {
	if s.tracing {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Set.Refresh", trace.WithAttributes(
			attribute.String("cages.keyset.path", s.Path()),
		))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	keys, own, wake, err := s.refresh(ctx)
	if errors.Is(err, coord.ErrNoNode) {
		// The set path itself was removed.
		s.root.Invalidate()
		if err := s.root.Ensure(ctx); err != nil {
			return nil, err
		}
		keys, own, wake, err = s.refresh(ctx)
	}
	if err != nil {
		return nil, err
	}
	if !own {
		s.logger.Info("cages: contribution missing, publishing again", "node", s.node)
		if err := s.publish(ctx, s.Contribution(), true); err != nil {
			return nil, err
		}
		// The recreated node fires the children watch, so the next cycle
		// observes it.
	}
	s.apply(keys)
	return wake, nil
}

func (s *Set) refresh(ctx context.Context) (Keys, bool, <-chan struct{}, error) {
	names, childW, err := s.conn.ChildrenW(ctx, s.Path())
	if err != nil {
		return Keys{}, false, nil, err
	}
	wake := make(chan struct{}, 1)
	forward := func(ch <-chan coord.Event) {
		go func() {
			select {
			case _, ok := <-ch:
				if ok {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case <-ctx.Done():
			}
		}()
	}
	forward(childW)

	own := false
	parts := make([][]string, len(names))
	var g errgroup.Group
	g.SetLimit(readConcurrency)
	for i, name := range names {
		if name == s.id {
			own = true
		}
		g.Go(func() error {
			p := coord.Join(s.Path(), name)
			data, w, err := s.conn.GetW(ctx, p)
			if errors.Is(err, coord.ErrNoNode) {
				// Removed after listing; the children watch reports it.
				return nil
			}
			if err != nil {
				return fmt.Errorf("read contribution %s: %w", p, err)
			}
			forward(w)
			keys, err := s.codec.Unmarshal(data)
			if err != nil {
				s.logger.Warn("cages: skipping undecodable contribution", "node", p, "error", err)
				return nil
			}
			parts[i] = keys
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Keys{}, false, nil, err
	}
	return union(parts...), own, wake, nil
}

func (s *Set) apply(keys Keys) {
	metrics.KeySetRefreshCounter.Inc()
	s.mu.Lock()
	changed := !s.populated || !keys.Equal(s.view)
	if changed {
		s.view = keys
		s.populated = true
		for _, l := range s.listeners {
			l.push(keys)
		}
	}
	s.mu.Unlock()
	s.synced.Set()
	if !changed {
		return
	}
	metrics.KeySetChangeCounter.Inc()
	s.logger.Debug("cages: key set changed", "path", s.Path(), "keys", keys.Len())
	s.announce(keys)
}

func (s *Set) announce(keys Keys) {
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(Snapshot{
		Path:        s.Path(),
		Contributor: s.id,
		Keys:        keys,
		At:          time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("cages: cannot encode key set snapshot", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.bus.Publish(ctx, s.busKey, data); err != nil {
		s.logger.Warn("cages: cannot publish key set snapshot", "key", s.busKey, "error", err)
	}
}

func classify(err error) error {
	if coord.IsSessionLoss(err) && !errors.Is(err, cerrors.ErrSession) {
		return fmt.Errorf("%w: %w", cerrors.ErrSession, err)
	}
	return err
}
