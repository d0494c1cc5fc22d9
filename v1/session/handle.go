package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mirkobrombin/go-cages/v1/coord"
	cerrors "github.com/mirkobrombin/go-cages/v1/errors"
	"github.com/mirkobrombin/go-cages/v1/metrics"
)

// Handle is a live session with the coordination service. It implements
// coord.Conn; once the session expired or was closed, every operation fails with
// errors.ErrSession and the handle never reconnects under a new identity.
type Handle struct {
	cfg         Config
	conn        coord.Conn
	logger      *slog.Logger
	removeState func()
}

var _ coord.Conn = (*Handle)(nil)

// Dial establishes a session described by cfg, retrying failed attempts with
// exponential backoff. It fails with errors.ErrSession once the retry bound is
// exhausted.
func Dial(ctx context.Context, cfg Config) (*Handle, error) {
	cfg = cfg.withDefaults()
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("%w: no dialer configured", cerrors.ErrState)
	}
	servers, chroot, err := coord.ParseConnectString(cfg.ConnectString)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cerrors.ErrSession, err)
	}
	logger := cfg.Logger.With("component", "cages-session")

	var b backoff.BackOff = newSessionBackoff()
	if cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(cfg.MaxRetries))
	}
	b = backoff.WithContext(b, ctx)

	attempts := 0
	startTime := time.Now()
	conn, err := backoff.RetryNotifyWithData(func() (coord.Conn, error) {
		attempts++
		c, err := cfg.Dialer.Dial(ctx, coord.DialOptions{
			Servers:        servers,
			SessionTimeout: cfg.SessionTimeout,
			Logger:         cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		if chroot != "" {
			if err := coord.CreateAll(ctx, c, chroot); err != nil {
				_ = c.Close()
				return nil, err
			}
		}
		return c, nil
	}, b, func(err error, delay time.Duration) {
		logger.Warn("cages: cannot establish session", "attempt", attempts, "delay", delay, "error", err)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %d attempt(s) to %q failed: %w", cerrors.ErrSession, attempts, cfg.ConnectString, err)
	}

	h := &Handle{
		cfg:    cfg,
		conn:   coord.Chroot(conn, chroot),
		logger: logger,
	}
	h.removeState = conn.OnStateChange(func(s coord.State) {
		metrics.SessionStateCounter.WithLabelValues(s.String()).Inc()
		switch s {
		case coord.StateExpired:
			h.logger.Error("cages: session expired", "session", conn.SessionID())
		default:
			h.logger.Info("cages: session state changed", "session", conn.SessionID(), "state", s.String())
		}
	})
	metrics.SessionStateCounter.WithLabelValues(coord.StateConnected.String()).Inc()
	logger.Info("cages: session established", "session", conn.SessionID(), "attempts", attempts, "elapsed", time.Since(startTime))
	return h, nil
}

func newSessionBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Config returns the configuration the session was established with.
func (h *Handle) Config() Config { return h.cfg }

// wrap classifies coordination errors caused by the session itself as
// errors.ErrSession. Node level errors pass through untouched.
func (h *Handle) wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, coord.ErrSessionExpired),
		errors.Is(err, coord.ErrConnectionLoss):
		return fmt.Errorf("%w: %w", cerrors.ErrSession, err)
	case errors.Is(err, coord.ErrClosed):
		return fmt.Errorf("%w: %w: %w", cerrors.ErrSession, cerrors.ErrConnectionClosed, err)
	}
	return err
}

// Create implements coord.Conn.Create.
func (h *Handle) Create(ctx context.Context, path string, data []byte, flags coord.Flag) (string, error) {
	p, err := h.conn.Create(ctx, path, data, flags)
	return p, h.wrap(err)
}

// Delete implements coord.Conn.Delete.
func (h *Handle) Delete(ctx context.Context, path string) error {
	return h.wrap(h.conn.Delete(ctx, path))
}

// Exists implements coord.Conn.Exists.
func (h *Handle) Exists(ctx context.Context, path string) (bool, error) {
	ok, err := h.conn.Exists(ctx, path)
	return ok, h.wrap(err)
}

// ExistsW implements coord.Conn.ExistsW.
func (h *Handle) ExistsW(ctx context.Context, path string) (bool, <-chan coord.Event, error) {
	ok, ch, err := h.conn.ExistsW(ctx, path)
	return ok, ch, h.wrap(err)
}

// Get implements coord.Conn.Get.
func (h *Handle) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := h.conn.Get(ctx, path)
	return data, h.wrap(err)
}

// GetW implements coord.Conn.GetW.
func (h *Handle) GetW(ctx context.Context, path string) ([]byte, <-chan coord.Event, error) {
	data, ch, err := h.conn.GetW(ctx, path)
	return data, ch, h.wrap(err)
}

// Set implements coord.Conn.Set.
func (h *Handle) Set(ctx context.Context, path string, data []byte) error {
	return h.wrap(h.conn.Set(ctx, path, data))
}

// Children implements coord.Conn.Children.
func (h *Handle) Children(ctx context.Context, path string) ([]string, error) {
	names, err := h.conn.Children(ctx, path)
	return names, h.wrap(err)
}

// ChildrenW implements coord.Conn.ChildrenW.
func (h *Handle) ChildrenW(ctx context.Context, path string) ([]string, <-chan coord.Event, error) {
	names, ch, err := h.conn.ChildrenW(ctx, path)
	return names, ch, h.wrap(err)
}

// SessionID implements coord.Conn.SessionID.
func (h *Handle) SessionID() string { return h.conn.SessionID() }

// State implements coord.Conn.State.
func (h *Handle) State() coord.State { return h.conn.State() }

// OnStateChange implements coord.Conn.OnStateChange.
func (h *Handle) OnStateChange(fn func(coord.State)) func() { return h.conn.OnStateChange(fn) }

// Done implements coord.Conn.Done.
func (h *Handle) Done() <-chan struct{} { return h.conn.Done() }

// Close ends the session and releases its ephemeral nodes. It is idempotent.
func (h *Handle) Close() error {
	if h.State() == coord.StateClosed {
		return nil
	}
	err := h.conn.Close()
	h.removeState()
	h.logger.Info("cages: session closed", "session", h.conn.SessionID())
	return err
}
