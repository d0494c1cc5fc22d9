package watchbus

import (
	"context"
	"sync"
)

// InMemoryWatchBus is a process local WatchBus.
type InMemoryWatchBus struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	latest map[string][]byte
}

type subscription struct {
	ch   chan []byte
	stop chan struct{}
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{
		subs:   make(map[string][]*subscription),
		latest: make(map[string][]byte),
	}
}

// Publish implements WatchBus.Publish.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[key] = data
	for _, sub := range b.subs[key] {
		offer(sub.ch, data)
	}
	return nil
}

// Watch implements WatchBus.Watch.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{ch: make(chan []byte, 1), stop: make(chan struct{})}
	b.mu.Lock()
	if data, ok := b.latest[key]; ok {
		sub.ch <- data
	}
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			_ = b.Unwatch(context.Background(), key, sub.ch)
		case <-sub.stop:
		}
	}()
	return sub.ch, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *InMemoryWatchBus) Unwatch(_ context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, sub := range subs {
		if sub.ch == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(sub.ch)
			close(sub.stop)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	return nil
}

// Watchers returns the number of watchers of key.
func (b *InMemoryWatchBus) Watchers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}
