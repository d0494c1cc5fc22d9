package keyset

import (
	"log/slog"

	"github.com/mirkobrombin/go-cages/v1/watchbus"
)

// Option configures a Set.
type Option func(*Set)

// WithContributorID names the contribution node. Defaults to a random UUID.
// Reusing an ID across sessions takes over an existing persistent contribution.
func WithContributorID(id string) Option {
	return func(s *Set) {
		s.id = id
	}
}

// WithCodec sets the encoding of contribution nodes. Defaults to JSONCodec.
func WithCodec(c Codec) Option {
	return func(s *Set) {
		s.codec = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Set) {
		s.logger = l
	}
}

// WithWatchBus publishes every new aggregate to bus under key as a JSON
// Snapshot.
func WithWatchBus(bus watchbus.WatchBus, key string) Option {
	return func(s *Set) {
		s.bus = bus
		s.busKey = key
	}
}

// WithTracing records an OpenTelemetry span for every refresh.
func WithTracing() Option {
	return func(s *Set) {
		s.tracing = true
	}
}
