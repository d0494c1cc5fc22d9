package lock

import "github.com/mirkobrombin/go-cages/v1/coord"

// NewReadLock returns a shared lock on path. A read request is blocked only by
// earlier write requests, so it also waits behind a writer that queued ahead of
// it even when every reader ahead of that writer is already done.
func NewReadLock(conn coord.Conn, path string, opts ...Option) (*Lock, error) {
	return newLock(conn, path, KindRead, func(k Kind) bool { return k == KindWrite }, opts)
}
