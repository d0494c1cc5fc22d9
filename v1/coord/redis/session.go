package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-cages/v1/coord"
)

// keepalive refreshes the session deadline every third of the session timeout
// and reaps sessions whose deadline passed. Failing to reach Redis for longer
// than the timeout expires the session, as the other connections will have
// reaped it by then.
func (c *Conn) keepalive(ctx context.Context) {
	defer close(c.stopped)
	interval := c.timeout / 3
	if interval <= 0 {
		interval = c.timeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastOK := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tctx, cancel := context.WithTimeout(ctx, interval)
		alive, err := c.touch(tctx)
		if err == nil {
			c.reap(tctx)
		}
		cancel()
		if ctx.Err() != nil {
			return
		}

		switch {
		case err != nil:
			if time.Since(lastOK) > c.timeout {
				c.expire("keepalive failed for longer than the session timeout")
				return
			}
			if c.tracker.Transition(coord.StateReconnecting) {
				c.logger.Warn("cages: redis unreachable", "error", err)
			}
		case !alive:
			c.expire("session was reaped")
			return
		default:
			lastOK = time.Now()
			if c.tracker.State() == coord.StateReconnecting && c.tracker.Transition(coord.StateConnected) {
				c.logger.Info("cages: redis reachable again")
				c.dropAllWatches()
			}
		}
	}
}

func (c *Conn) touch(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(c.timeout).UnixMilli()
	n, err := touchScript.Run(ctx, c.client, nil, c.prefix, c.id, deadline).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// reap removes every session whose deadline passed.
func (c *Conn) reap(ctx context.Context) {
	now := time.Now().UnixMilli()
	ids, err := c.client.ZRangeByScore(ctx, c.key("sessions"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		c.logger.Debug("cages: cannot list expired sessions", "error", err)
		return
	}
	for _, id := range ids {
		n, err := reapScript.Run(ctx, c.client, nil, c.prefix, id, now, "0").Int()
		if err != nil {
			c.logger.Warn("cages: cannot reap session", "expired_session", id, "error", err)
			continue
		}
		if n >= 0 {
			c.logger.Info("cages: reaped expired session", "expired_session", id, "ephemerals", n)
		}
	}
}

func (c *Conn) expire(reason string) {
	if !c.tracker.Transition(coord.StateExpired) {
		return
	}
	c.logger.Error("cages: redis session expired", "reason", reason)
	c.dropAllWatches()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := reapScript.Run(ctx, c.client, nil, c.prefix, c.id, time.Now().UnixMilli(), "1").Err(); err != nil {
		c.logger.Debug("cages: cannot remove own ephemerals", "error", err)
	}
}
