package coord

import "sync"

// Tracker implements the session state part of Conn for backends: State,
// OnStateChange and Done. Terminal states are sticky.
type Tracker struct {
	mu        sync.Mutex
	state     State
	listeners map[int]func(State)
	next      int
	done      chan struct{}
}

// NewTracker returns a Tracker in StateConnecting.
func NewTracker() *Tracker {
	return &Tracker{
		listeners: make(map[int]func(State)),
		done:      make(chan struct{}),
	}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once a terminal state is reached.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Err maps a terminal state to the matching sentinel, or returns nil.
func (t *Tracker) Err() error {
	switch t.State() {
	case StateReconnecting:
		return ErrConnectionLoss
	case StateExpired:
		return ErrSessionExpired
	case StateClosed:
		return ErrClosed
	}
	return nil
}

// OnStateChange registers fn for every later transition.
func (t *Tracker) OnStateChange(fn func(State)) (remove func()) {
	t.mu.Lock()
	id := t.next
	t.next++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Transition moves to s and notifies listeners. It returns false when the tracker
// is already terminal or already in s.
func (t *Tracker) Transition(s State) bool {
	t.mu.Lock()
	if t.state.Terminal() || t.state == s {
		t.mu.Unlock()
		return false
	}
	t.state = s
	if s.Terminal() {
		close(t.done)
	}
	fns := make([]func(State), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
	return true
}
