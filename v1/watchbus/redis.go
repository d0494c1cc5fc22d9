package watchbus

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "cages:watchbus:"

// RedisWatchBus shares payloads between processes through Redis pub/sub. The
// latest payload of every key is kept in a plain Redis key.
type RedisWatchBus struct {
	client *redis.Client

	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client *redis.Client) *RedisWatchBus {
	return &RedisWatchBus{
		client:  client,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

func channelKey(key string) string { return redisPrefix + "chan:" + key }
func latestKey(key string) string  { return redisPrefix + "latest:" + key }

// Publish implements WatchBus.Publish.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, latestKey(key), data, 0)
		pipe.Publish(ctx, channelKey(key), data)
		return nil
	})
	return err
}

// Watch implements WatchBus.Watch.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	ps := b.client.Subscribe(ctx, channelKey(key))
	// Wait for the subscription so nothing published after the read of the
	// latest payload is missed.
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, err
	}
	ch := make(chan []byte, 1)
	latest, err := b.client.Get(ctx, latestKey(key)).Bytes()
	switch {
	case err == nil:
		ch <- latest
	case !errors.Is(err, redis.Nil):
		cancel()
		_ = ps.Close()
		return nil, err
	}

	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	go func() {
		defer close(ch)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				offer(ch, []byte(msg.Payload))
			case <-ctx.Done():
				b.forget(key, ch)
				return
			}
		}
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch. The channel is closed asynchronously.
func (b *RedisWatchBus) Unwatch(_ context.Context, key string, ch chan []byte) error {
	if cancel := b.forget(key, ch); cancel != nil {
		cancel()
	}
	return nil
}

func (b *RedisWatchBus) forget(key string, ch chan []byte) context.CancelFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.cancels[key]
	if !ok {
		return nil
	}
	cancel := m[ch]
	delete(m, ch)
	if len(m) == 0 {
		delete(b.cancels, key)
	}
	return cancel
}
