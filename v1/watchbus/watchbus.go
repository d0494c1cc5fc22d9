// Package watchbus fans key set snapshots out to observers outside the
// coordination service, either in process or through Redis, and streams them
// to HTTP clients over Server-Sent Events or WebSocket.
//
// A bus retains the last payload published under each key: a new watcher
// receives it first, so late observers start from the current state rather
// than waiting for the next change.
package watchbus

import "context"

// WatchBus publishes payloads under a key to every watcher of that key.
type WatchBus interface {
	// Publish stores data as the latest payload of key and delivers it to the
	// watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to key. The channel first receives the latest payload,
	// if any, and is closed once ctx ends or Unwatch is called. A slow watcher
	// only ever sees the newest pending payload.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering payloads of key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// offer hands data to ch, replacing a pending payload the watcher has not
// consumed yet.
func offer(ch chan []byte, data []byte) {
	select {
	case ch <- data:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- data:
	default:
	}
}
