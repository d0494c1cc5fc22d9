package coord

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// deleteTimeout bounds each removal attempt made after a reconnect.
const deleteTimeout = 5 * time.Second

// WaitConnected blocks until c is connected. It fails with ErrSessionExpired or
// ErrClosed once the session ended, or with the ctx error.
func WaitConnected(ctx context.Context, c Conn) error {
	changed := make(chan struct{}, 1)
	remove := c.OnStateChange(func(State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer remove()
	for {
		switch c.State() {
		case StateConnected:
			return nil
		case StateExpired:
			return ErrSessionExpired
		case StateClosed:
			return ErrClosed
		}
		select {
		case <-changed:
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DeleteEphemeral removes an ephemeral node owned by the session of c. A node
// that is gone, or whose session ended, counts as removed since the service
// drops it with the session. When the connection is down the node outlives
// the failed call, so the removal is retried in the background once the
// session is connected again; pending reports that case.
func DeleteEphemeral(ctx context.Context, c Conn, p string, logger *slog.Logger) (pending bool, err error) {
	err = c.Delete(ctx, p)
	switch {
	case err == nil, errors.Is(err, ErrNoNode),
		errors.Is(err, ErrSessionExpired), errors.Is(err, ErrClosed):
		return false, nil
	case errors.Is(err, ErrConnectionLoss):
		if logger == nil {
			logger = slog.Default()
		}
		go deleteAfterReconnect(c, p, logger)
		return true, nil
	}
	return false, err
}

func deleteAfterReconnect(c Conn, p string, logger *slog.Logger) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 50 * time.Millisecond
	retry.MaxInterval = 5 * time.Second
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		if err := WaitConnected(context.Background(), c); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
		err := c.Delete(ctx, p)
		cancel()
		switch {
		case err == nil, errors.Is(err, ErrNoNode),
			errors.Is(err, ErrSessionExpired), errors.Is(err, ErrClosed):
			logger.Debug("cages: deferred removal done", "node", p)
			return
		case !errors.Is(err, ErrConnectionLoss) && !errors.Is(err, context.DeadlineExceeded):
			logger.Warn("cages: deferred removal failed", "node", p, "error", err)
			return
		}
		select {
		case <-time.After(retry.NextBackOff()):
		case <-c.Done():
			return
		}
	}
}
