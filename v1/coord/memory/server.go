// Package memory implements an in-process coordination service with ZooKeeper
// node semantics. A Server holds the node tree; every Conn obtained from it is an
// independent session. The server can simulate connection loss and session expiry,
// which makes it the backend of choice for tests.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/mirkobrombin/go-cages/v1/coord"
)

type node struct {
	data     []byte
	owner    string
	children map[string]struct{}
	cseq     int64
}

type watch struct {
	ch    chan coord.Event
	fin   chan struct{}
	owner string
	fired bool
}

// fire delivers ev and retires the watch. Caller holds Server.mu.
func (w *watch) fire(ev coord.Event) {
	if w.fired {
		return
	}
	w.fired = true
	w.ch <- ev
	close(w.ch)
	close(w.fin)
}

// Server is an in-memory coordination service.
type Server struct {
	mu         sync.Mutex
	nodes      map[string]*node
	sessions   map[string]*Conn
	ephemerals map[string]map[string]struct{}
	dataW      map[string][]*watch
	childW     map[string][]*watch
	down       bool
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for session lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer returns an empty server holding only the root node.
func NewServer(opts ...Option) *Server {
	s := &Server{
		nodes:      map[string]*node{"/": {children: make(map[string]struct{})}},
		sessions:   make(map[string]*Conn),
		ephemerals: make(map[string]map[string]struct{}),
		dataW:      make(map[string][]*watch),
		childW:     make(map[string][]*watch),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAvailable toggles whether new sessions can be established. Existing
// sessions are not affected.
func (s *Server) SetAvailable(ok bool) {
	s.mu.Lock()
	s.down = !ok
	s.mu.Unlock()
}

// Connect opens a new session. A non-positive timeout disables expiry on
// connection loss.
func (s *Server) Connect(ctx context.Context, sessionTimeout time.Duration) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return nil, coord.ErrUnavailable
	}
	c := &Conn{
		server:  s,
		id:      id,
		timeout: sessionTimeout,
		tracker: coord.NewTracker(),
	}
	s.sessions[id] = c
	s.mu.Unlock()
	c.tracker.Transition(coord.StateConnected)
	return c, nil
}

// Sessions returns the ids of all live sessions.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Disconnect simulates a connection loss for session id. The session moves to
// reconnecting and expires if Reconnect is not called within its timeout.
func (s *Server) Disconnect(id string) {
	s.mu.Lock()
	c, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	if !c.tracker.Transition(coord.StateReconnecting) {
		return
	}
	if c.timeout > 0 {
		c.mu.Lock()
		c.expiry = time.AfterFunc(c.timeout, func() { s.Expire(id) })
		c.mu.Unlock()
	}
}

// Reconnect ends a simulated connection loss.
func (s *Server) Reconnect(id string) {
	s.mu.Lock()
	c, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
	c.mu.Unlock()
	c.tracker.Transition(coord.StateConnected)
}

// Expire ends session id as if its timeout elapsed: its ephemeral nodes are
// removed and its pending watches are dropped.
func (s *Server) Expire(id string) {
	s.endSession(id, coord.StateExpired)
}

func (s *Server) endSession(id string, final coord.State) {
	s.mu.Lock()
	c, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, id)
	paths := make([]string, 0, len(s.ephemerals[id]))
	for p := range s.ephemerals[id] {
		paths = append(paths, p)
	}
	for _, p := range paths {
		s.remove(p)
	}
	delete(s.ephemerals, id)
	s.dropWatches(id)
	s.mu.Unlock()

	c.mu.Lock()
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
	c.mu.Unlock()
	s.logger.Debug("cages: memory session ended", "session", id, "state", final.String(), "ephemerals", len(paths))
	c.tracker.Transition(final)
}

// dropWatches retires every watch owned by session id. Caller holds s.mu.
func (s *Server) dropWatches(id string) {
	for _, table := range []map[string][]*watch{s.dataW, s.childW} {
		for p, ws := range table {
			kept := ws[:0]
			for _, w := range ws {
				if w.owner == id {
					w.fire(coord.Event{Type: coord.EventNotWatching, Path: p})
					continue
				}
				kept = append(kept, w)
			}
			if len(kept) == 0 {
				delete(table, p)
			} else {
				table[p] = kept
			}
		}
	}
}

// trigger fires and clears every watch registered on p in table.
// Caller holds s.mu.
func (s *Server) trigger(table map[string][]*watch, p string, t coord.EventType) {
	ws := table[p]
	delete(table, p)
	for _, w := range ws {
		w.fire(coord.Event{Type: t, Path: p})
	}
}

func (s *Server) addWatch(ctx context.Context, table map[string][]*watch, p, owner string) *watch {
	w := &watch{ch: make(chan coord.Event, 1), fin: make(chan struct{}), owner: owner}
	table[p] = append(table[p], w)
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.cancelWatch(table, p, w)
			case <-w.fin:
			}
		}()
	}
	return w
}

func (s *Server) cancelWatch(table map[string][]*watch, p string, w *watch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.fired {
		return
	}
	w.fired = true
	close(w.ch)
	close(w.fin)
	ws := table[p]
	for i, x := range ws {
		if x == w {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(table, p)
	} else {
		table[p] = ws
	}
}

func (s *Server) create(owner, p string, data []byte, flags coord.Flag) (string, error) {
	if err := coord.Validate(p); err != nil {
		return "", err
	}
	if p == "/" {
		return "", coord.ErrNodeExists
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	parentPath := coord.Parent(p)
	parent, ok := s.nodes[parentPath]
	if !ok {
		return "", fmt.Errorf("%w: parent of %s", coord.ErrNoNode, p)
	}
	if parent.owner != "" {
		return "", coord.ErrNoChildrenForEphemerals
	}
	if flags.Sequential() {
		p = coord.FormatSequence(p, parent.cseq)
		parent.cseq++
	}
	if _, exists := s.nodes[p]; exists {
		return "", fmt.Errorf("%w: %s", coord.ErrNodeExists, p)
	}
	n := &node{data: clone(data), children: make(map[string]struct{})}
	if flags.Ephemeral() {
		n.owner = owner
		if s.ephemerals[owner] == nil {
			s.ephemerals[owner] = make(map[string]struct{})
		}
		s.ephemerals[owner][p] = struct{}{}
	}
	s.nodes[p] = n
	parent.children[coord.Base(p)] = struct{}{}
	s.trigger(s.dataW, p, coord.EventNodeCreated)
	s.trigger(s.childW, parentPath, coord.EventNodeChildrenChanged)
	return p, nil
}

// remove deletes p unconditionally. Caller holds s.mu.
func (s *Server) remove(p string) {
	n, ok := s.nodes[p]
	if !ok {
		return
	}
	delete(s.nodes, p)
	if n.owner != "" {
		delete(s.ephemerals[n.owner], p)
	}
	parentPath := coord.Parent(p)
	if parent, ok := s.nodes[parentPath]; ok {
		delete(parent.children, coord.Base(p))
	}
	s.trigger(s.dataW, p, coord.EventNodeDeleted)
	s.trigger(s.childW, p, coord.EventNodeDeleted)
	s.trigger(s.childW, parentPath, coord.EventNodeChildrenChanged)
}

func (s *Server) delete(p string) error {
	if err := coord.Validate(p); err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("%w: cannot delete root", coord.ErrBadPath)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok {
		return fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	if len(n.children) > 0 {
		return fmt.Errorf("%w: %s", coord.ErrNotEmpty, p)
	}
	s.remove(p)
	return nil
}

func (s *Server) exists(ctx context.Context, owner, p string, watched bool) (bool, <-chan coord.Event, error) {
	if err := coord.Validate(p); err != nil {
		return false, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[p]
	if !watched {
		return ok, nil, nil
	}
	w := s.addWatch(ctx, s.dataW, p, owner)
	return ok, w.ch, nil
}

func (s *Server) get(ctx context.Context, owner, p string, watched bool) ([]byte, <-chan coord.Event, error) {
	if err := coord.Validate(p); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	if !watched {
		return clone(n.data), nil, nil
	}
	w := s.addWatch(ctx, s.dataW, p, owner)
	return clone(n.data), w.ch, nil
}

func (s *Server) set(p string, data []byte) error {
	if err := coord.Validate(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok {
		return fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	n.data = clone(data)
	s.trigger(s.dataW, p, coord.EventNodeDataChanged)
	return nil
}

func (s *Server) children(ctx context.Context, owner, p string, watched bool) ([]string, <-chan coord.Event, error) {
	if err := coord.Validate(p); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	if !watched {
		return names, nil, nil
	}
	w := s.addWatch(ctx, s.childW, p, owner)
	return names, w.ch, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
