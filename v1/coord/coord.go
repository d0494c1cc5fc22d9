// Package coord defines the capability interface cages uses to talk to a
// hierarchical, watch-based coordination service, along with the node, watch and
// session types shared by every backend.
//
// Backends live in sub-packages: memory (in-process server), etcd and redis.
// All of them follow the same node semantics: persistent and ephemeral nodes,
// per-parent sequential suffixes and one-shot watches.
package coord

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var (
	// ErrNoNode is returned when the addressed node (or the parent of a node being
	// created) does not exist.
	ErrNoNode = errors.New("coord: node does not exist")
	// ErrNodeExists is returned when creating a node that already exists.
	ErrNodeExists = errors.New("coord: node already exists")
	// ErrNotEmpty is returned when deleting a node that still has children.
	ErrNotEmpty = errors.New("coord: node has children")
	// ErrNoChildrenForEphemerals is returned when creating a child of an ephemeral node.
	ErrNoChildrenForEphemerals = errors.New("coord: ephemeral nodes may not have children")
	// ErrBadPath is returned for malformed node paths.
	ErrBadPath = errors.New("coord: invalid path")
	// ErrBadSequence is returned when a node name carries no valid sequence suffix.
	ErrBadSequence = errors.New("coord: invalid sequence suffix")
	// ErrSessionExpired is returned by every operation once the session expired.
	ErrSessionExpired = errors.New("coord: session expired")
	// ErrClosed is returned by every operation once the connection was closed.
	ErrClosed = errors.New("coord: connection closed")
	// ErrConnectionLoss is returned while the session is reconnecting. The session
	// and its ephemeral nodes survive unless it expires before reconnecting.
	ErrConnectionLoss = errors.New("coord: connection loss")
	// ErrUnavailable is returned by a Dialer that cannot reach any server.
	ErrUnavailable = errors.New("coord: service unavailable")
)

// Flag selects the kind of node created by Conn.Create.
type Flag int

const (
	// FlagEphemeral ties the node to the creating session; it is removed when the
	// session ends.
	FlagEphemeral Flag = 1 << iota
	// FlagSequential appends a per-parent, strictly increasing, zero padded counter
	// to the node name.
	FlagSequential
)

// Ephemeral reports whether f contains FlagEphemeral.
func (f Flag) Ephemeral() bool { return f&FlagEphemeral != 0 }

// Sequential reports whether f contains FlagSequential.
func (f Flag) Sequential() bool { return f&FlagSequential != 0 }

// EventType identifies what triggered a watch.
type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	// EventNotWatching is delivered when the watch was dropped without observing
	// a change: the session expired or was closed, or the backend may have missed
	// changes while disconnected. Receivers re-read the node.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "created"
	case EventNodeDeleted:
		return "deleted"
	case EventNodeDataChanged:
		return "data-changed"
	case EventNodeChildrenChanged:
		return "children-changed"
	case EventNotWatching:
		return "not-watching"
	}
	return "unknown"
}

// Event is delivered at most once per watch registration.
type Event struct {
	Type EventType
	Path string
}

// State is the lifecycle state of a session.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateExpired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool { return s == StateExpired || s == StateClosed }

// Conn is a session with the coordination service.
//
// Watch channels returned by the *W methods are one-shot: they receive at most one
// Event and are closed afterwards. Cancelling the context passed to a *W method
// drops the watch and closes the channel without an event. When the session ends,
// pending watches receive EventNotWatching.
type Conn interface {
	// Create creates a node and returns its actual path, which differs from path
	// when FlagSequential is set.
	Create(ctx context.Context, path string, data []byte, flags Flag) (string, error)
	// Delete removes a node. It returns ErrNoNode if the node is absent.
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	ExistsW(ctx context.Context, path string) (bool, <-chan Event, error)
	Get(ctx context.Context, path string) ([]byte, error)
	GetW(ctx context.Context, path string) ([]byte, <-chan Event, error)
	Set(ctx context.Context, path string, data []byte) error
	// Children returns the names (not paths) of the children of path, unordered.
	Children(ctx context.Context, path string) ([]string, error)
	ChildrenW(ctx context.Context, path string) ([]string, <-chan Event, error)

	// SessionID identifies the session that owns this connection's ephemeral nodes.
	SessionID() string
	State() State
	// OnStateChange registers fn to be called on every session state transition.
	// Calls happen on a backend goroutine and must not block.
	OnStateChange(fn func(State)) (remove func())
	// Done is closed once the session expired or was closed.
	Done() <-chan struct{}
	Close() error
}

// DialOptions carries the session parameters handed to a Dialer.
type DialOptions struct {
	// Servers lists the service endpoints, already stripped of any chroot suffix.
	Servers        []string
	SessionTimeout time.Duration
	Logger         *slog.Logger
}

// Dialer establishes sessions with a coordination service.
type Dialer interface {
	// Dial makes a single attempt; retries are the caller's concern.
	Dial(ctx context.Context, opts DialOptions) (Conn, error)
}

// IsSessionLoss reports whether err was caused by the session (expiry, close or
// connection loss) rather than by the addressed node.
func IsSessionLoss(err error) bool {
	return errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrConnectionLoss)
}
