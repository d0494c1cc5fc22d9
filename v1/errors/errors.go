// Package errors defines the error taxonomy shared by every cages primitive.
// Call sites wrap these sentinels with fmt.Errorf("...: %w", ...) so callers can
// classify failures with errors.Is.
package errors

import "errors"

var (
	// ErrSession reports a session that could not be established or that expired
	// while an operation depended on it.
	ErrSession = errors.New("cages: session error")
	// ErrTimeout reports a bounded wait that ran out before succeeding.
	ErrTimeout = errors.New("cages: timeout")
	// ErrProtocol reports a coordination service state that no normal code path
	// produces, such as an own queue node vanishing or a malformed sequence suffix.
	ErrProtocol = errors.New("cages: protocol error")
	// ErrState reports an operation invoked in the wrong lifecycle state.
	ErrState = errors.New("cages: invalid state")
	// ErrConnectionClosed is returned by operations on a closed connection.
	ErrConnectionClosed = errors.New("cages: connection closed")
)
