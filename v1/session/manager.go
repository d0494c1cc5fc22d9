// Package session manages the session with the coordination service.
//
// A Handle is the session itself; locks and key sets take it (as a coord.Conn)
// explicitly. Manager adds a process-wide guard around a single live handle with
// explicit Initialize/Shutdown calls, and the package-level functions operate on
// a default Manager.
package session

import (
	"context"
	"fmt"
	"sync"

	cerrors "github.com/mirkobrombin/go-cages/v1/errors"
)

// Manager guards a single live session.
type Manager struct {
	mu          sync.Mutex
	handle      *Handle
	initialized bool
}

// Initialize establishes the session. It is a no-op returning the live handle
// when called again with the same parameters, and fails with errors.ErrState
// when the parameters conflict with the live session. A session that expired
// is replaced by a new one.
func (m *Manager) Initialize(ctx context.Context, cfg Config) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.handle; h != nil && !h.State().Terminal() {
		if h.cfg.sameSession(cfg) {
			return h, nil
		}
		return nil, fmt.Errorf("%w: session already initialized for %q", cerrors.ErrState, h.cfg.ConnectString)
	}
	h, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m.handle = h
	m.initialized = true
	return h, nil
}

// Current returns the session handle. It fails with errors.ErrState when no
// session was initialized or the last one was shut down.
func (m *Manager) Current() (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return nil, fmt.Errorf("%w: session not initialized", cerrors.ErrState)
	}
	return m.handle, nil
}

// Shutdown closes the session, releasing its ephemeral nodes server side.
// Repeated calls are no-ops; calling it before any Initialize fails with
// errors.ErrState.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return fmt.Errorf("%w: shutdown before initialize", cerrors.ErrState)
	}
	if m.handle == nil {
		return nil
	}
	h := m.handle
	m.handle = nil
	return h.Close()
}

var defaultManager Manager

// Initialize calls Initialize on the process-wide manager.
func Initialize(ctx context.Context, cfg Config) (*Handle, error) {
	return defaultManager.Initialize(ctx, cfg)
}

// Current calls Current on the process-wide manager.
func Current() (*Handle, error) {
	return defaultManager.Current()
}

// Shutdown calls Shutdown on the process-wide manager.
func Shutdown(ctx context.Context) error {
	return defaultManager.Shutdown(ctx)
}
