package memory

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/mirkobrombin/go-cages/v1/coord"
)

func connect(t *testing.T, s *Server) *Conn {
	t.Helper()
	c, err := s.Connect(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCreateSequentialAssignsIncreasingSuffixes(t *testing.T) {
	s := NewServer()
	c := connect(t, s)
	ctx := context.Background()
	if _, err := c.Create(ctx, "/q", nil, 0); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	var last int64 = -1
	for i := 0; i < 5; i++ {
		p, err := c.Create(ctx, "/q/write-", nil, coord.FlagEphemeral|coord.FlagSequential)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		seq, err := coord.Sequence(coord.Base(p))
		if err != nil {
			t.Fatalf("sequence of %s: %v", p, err)
		}
		if seq <= last {
			t.Fatalf("sequence not increasing: %d after %d", seq, last)
		}
		last = seq
	}
	// Sequence numbers are never reused, even after deletion.
	names, _ := c.Children(ctx, "/q")
	for _, n := range names {
		if err := c.Delete(ctx, "/q/"+n); err != nil {
			t.Fatalf("delete: %v", err)
		}
	}
	p, err := c.Create(ctx, "/q/read-", nil, coord.FlagEphemeral|coord.FlagSequential)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if seq, _ := coord.Sequence(coord.Base(p)); seq != last+1 {
		t.Fatalf("expected sequence %d got %d", last+1, seq)
	}
}

func TestCreateErrors(t *testing.T) {
	s := NewServer()
	c := connect(t, s)
	ctx := context.Background()
	if _, err := c.Create(ctx, "/a/b", nil, 0); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
	if _, err := c.Create(ctx, "/a", nil, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Create(ctx, "/a", nil, 0); !errors.Is(err, coord.ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}
	if _, err := c.Create(ctx, "/e", nil, coord.FlagEphemeral); err != nil {
		t.Fatalf("create ephemeral: %v", err)
	}
	if _, err := c.Create(ctx, "/e/child", nil, 0); !errors.Is(err, coord.ErrNoChildrenForEphemerals) {
		t.Fatalf("expected ErrNoChildrenForEphemerals, got %v", err)
	}
	if _, err := c.Create(ctx, "relative", nil, 0); !errors.Is(err, coord.ErrBadPath) {
		t.Fatalf("expected ErrBadPath, got %v", err)
	}
	if _, err := c.Create(ctx, "/a/x", nil, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Delete(ctx, "/a"); !errors.Is(err, coord.ErrNotEmpty) {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}
	if err := c.Delete(ctx, "/missing"); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
}

func TestEphemeralsRemovedOnClose(t *testing.T) {
	s := NewServer()
	owner := connect(t, s)
	observer := connect(t, s)
	ctx := context.Background()
	if _, err := owner.Create(ctx, "/set", nil, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := owner.Create(ctx, "/set/node", []byte("x"), coord.FlagEphemeral); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, ch, err := observer.ChildrenW(ctx, "/set")
	if err != nil {
		t.Fatalf("children watch: %v", err)
	}
	_ = owner.Close()

	select {
	case ev := <-ch:
		if ev.Type != coord.EventNodeChildrenChanged || ev.Path != "/set" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for children event")
	}
	if ok, _ := observer.Exists(ctx, "/set/node"); ok {
		t.Fatal("ephemeral node survived its session")
	}
	if ok, _ := observer.Exists(ctx, "/set"); !ok {
		t.Fatal("persistent node removed with session")
	}
	if _, err := owner.Exists(ctx, "/set"); !errors.Is(err, coord.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWatchesAreOneShot(t *testing.T) {
	s := NewServer()
	c := connect(t, s)
	ctx := context.Background()
	ok, ch, err := c.ExistsW(ctx, "/n")
	if err != nil || ok {
		t.Fatalf("exists: %v ok %v", err, ok)
	}
	if _, err := c.Create(ctx, "/n", []byte("1"), 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	ev, open := <-ch
	if !open || ev.Type != coord.EventNodeCreated {
		t.Fatalf("unexpected event %+v open %v", ev, open)
	}
	if _, open := <-ch; open {
		t.Fatal("watch channel should be closed after firing")
	}
	if err := c.Set(ctx, "/n", []byte("2")); err != nil {
		t.Fatalf("set: %v", err)
	}

	data, ch, err := c.GetW(ctx, "/n")
	if err != nil || string(data) != "2" {
		t.Fatalf("get: %v data %q", err, data)
	}
	if err := c.Delete(ctx, "/n"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ev := <-ch; ev.Type != coord.EventNodeDeleted {
		t.Fatalf("expected deleted event got %+v", ev)
	}
}

func TestWatchCancelledByContext(t *testing.T) {
	s := NewServer()
	c := connect(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := c.ExistsW(ctx, "/n")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	cancel()
	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel without event")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for watch removal")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dataW["/n"]) != 0 {
		t.Fatal("watch still registered after cancel")
	}
}

func TestExpireDeliversNotWatching(t *testing.T) {
	s := NewServer()
	c := connect(t, s)
	ctx := context.Background()
	_, ch, err := c.ExistsW(ctx, "/n")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	var states []coord.State
	c.OnStateChange(func(st coord.State) { states = append(states, st) })
	s.Expire(c.SessionID())
	if ev := <-ch; ev.Type != coord.EventNotWatching {
		t.Fatalf("expected not-watching got %+v", ev)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed after expiry")
	}
	if c.State() != coord.StateExpired {
		t.Fatalf("expected expired state, got %s", c.State())
	}
	if len(states) != 1 || states[0] != coord.StateExpired {
		t.Fatalf("unexpected transitions %v", states)
	}
	if _, err := c.Exists(ctx, "/"); !errors.Is(err, coord.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestDisconnectExpiresAfterTimeout(t *testing.T) {
	s := NewServer()
	c, err := s.Connect(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.Disconnect(c.SessionID())
	if _, err := c.Exists(context.Background(), "/"); !errors.Is(err, coord.ErrConnectionLoss) {
		t.Fatalf("expected ErrConnectionLoss, got %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not expire")
	}
	if c.State() != coord.StateExpired {
		t.Fatalf("expected expired, got %s", c.State())
	}
}

func TestReconnectKeepsSession(t *testing.T) {
	s := NewServer()
	c := connect(t, s)
	ctx := context.Background()
	if _, err := c.Create(ctx, "/e", nil, coord.FlagEphemeral); err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Disconnect(c.SessionID())
	if c.State() != coord.StateReconnecting {
		t.Fatalf("expected reconnecting, got %s", c.State())
	}
	s.Reconnect(c.SessionID())
	if c.State() != coord.StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}
	if ok, err := c.Exists(ctx, "/e"); err != nil || !ok {
		t.Fatalf("ephemeral lost across reconnect: %v ok %v", err, ok)
	}
}

func TestUnavailableServer(t *testing.T) {
	s := NewServer()
	s.SetAvailable(false)
	if _, err := (Dialer{Server: s}).Dial(context.Background(), coord.DialOptions{}); !errors.Is(err, coord.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	s.SetAvailable(true)
	c, err := (Dialer{Server: s}).Dial(context.Background(), coord.DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ids := s.Sessions()
	sort.Strings(ids)
	if len(ids) != 1 || ids[0] != c.SessionID() {
		t.Fatalf("unexpected sessions %v", ids)
	}
	_ = c.Close()
}
