package session

import (
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-cages/v1/coord"
)

const (
	// DefaultSessionTimeout is used when Config.SessionTimeout is not positive.
	DefaultSessionTimeout = 10 * time.Second
	// DefaultMaxRetries is used when Config.MaxRetries is zero.
	DefaultMaxRetries = 3
)

// Config holds the programmatic session configuration.
type Config struct {
	// ConnectString lists the servers and an optional chroot suffix, for example
	// "zk1:2181,zk2:2181/UnitTests".
	ConnectString string
	// SessionTimeout bounds how long the service keeps the session alive while the
	// client is disconnected.
	SessionTimeout time.Duration
	// MaxRetries bounds the connection attempts made after the first one fails.
	// Zero selects DefaultMaxRetries; a negative value retries until the context
	// passed to Initialize is done.
	MaxRetries int
	// Dialer reaches the coordination service.
	Dialer coord.Dialer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// sameSession reports whether c and o describe the same session parameters.
func (c Config) sameSession(o Config) bool {
	c, o = c.withDefaults(), o.withDefaults()
	return c.ConnectString == o.ConnectString &&
		c.SessionTimeout == o.SessionTimeout &&
		c.MaxRetries == o.MaxRetries
}
