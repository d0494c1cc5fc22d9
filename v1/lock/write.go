package lock

import "github.com/mirkobrombin/go-cages/v1/coord"

// NewWriteLock returns an exclusive lock on path. A write request is blocked by
// every earlier request, read or write.
func NewWriteLock(conn coord.Conn, path string, opts ...Option) (*Lock, error) {
	return newLock(conn, path, KindWrite, func(Kind) bool { return true }, opts)
}
