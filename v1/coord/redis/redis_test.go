package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-cages/v1/coord"
)

func dial(t *testing.T, mr *miniredis.Miniredis, timeout time.Duration) *Conn {
	t.Helper()
	c, err := Dialer{}.Dial(context.Background(), coord.DialOptions{
		Servers:        []string{mr.Addr()},
		SessionTimeout: timeout,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c.(*Conn)
}

func waitEvent(t *testing.T, ch <-chan coord.Event) coord.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	return coord.Event{}
}

func TestNodesAndSequences(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	c := dial(t, mr, 10*time.Second)
	ctx := context.Background()

	if _, err := c.Create(ctx, "/locks", []byte("root"), 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Create(ctx, "/locks", nil, 0); !errors.Is(err, coord.ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}
	if _, err := c.Create(ctx, "/missing/x", nil, 0); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
	first, err := c.Create(ctx, "/locks/write-", nil, coord.FlagEphemeral|coord.FlagSequential)
	if err != nil {
		t.Fatalf("create seq: %v", err)
	}
	second, err := c.Create(ctx, "/locks/read-", nil, coord.FlagEphemeral|coord.FlagSequential)
	if err != nil {
		t.Fatalf("create seq: %v", err)
	}
	if first != "/locks/write-0000000000" || second != "/locks/read-0000000001" {
		t.Fatalf("unexpected names %s %s", first, second)
	}
	if _, err := c.Create(ctx, first+"/child", nil, 0); !errors.Is(err, coord.ErrNoChildrenForEphemerals) {
		t.Fatalf("expected ErrNoChildrenForEphemerals, got %v", err)
	}
	if err := c.Delete(ctx, "/locks"); !errors.Is(err, coord.ErrNotEmpty) {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}
	if err := c.Delete(ctx, first); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.Delete(ctx, first); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
	third, err := c.Create(ctx, "/locks/write-", nil, coord.FlagEphemeral|coord.FlagSequential)
	if err != nil || third != "/locks/write-0000000002" {
		t.Fatalf("sequence reused: %s %v", third, err)
	}
	names, err := c.Children(ctx, "/locks")
	if err != nil || len(names) != 2 {
		t.Fatalf("children: %v %v", names, err)
	}
	if err := c.Set(ctx, "/locks", []byte("updated")); err != nil {
		t.Fatalf("set: %v", err)
	}
	data, err := c.Get(ctx, "/locks")
	if err != nil || string(data) != "updated" {
		t.Fatalf("get: %q %v", data, err)
	}
	if err := c.Set(ctx, "/nope", nil); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
	if _, err := c.Get(ctx, "/nope"); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
	if _, err := c.Children(ctx, "/nope"); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
	if ok, err := c.Exists(ctx, "/"); err != nil || !ok {
		t.Fatalf("root: %v %v", ok, err)
	}
}

func TestEphemeralsRemovedOnClose(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	c, observer := dial(t, mr, 10*time.Second), dial(t, mr, 10*time.Second)
	ctx := context.Background()
	if _, err := c.Create(ctx, "/set", nil, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Create(ctx, "/set/member", nil, coord.FlagEphemeral); err != nil {
		t.Fatalf("create: %v", err)
	}
	names, ch, err := observer.ChildrenW(ctx, "/set")
	if err != nil || len(names) != 1 || names[0] != "member" {
		t.Fatalf("children: %v %v", names, err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ev := waitEvent(t, ch)
	if ev.Type != coord.EventNodeChildrenChanged || ev.Path != "/set" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ok, _ := observer.Exists(ctx, "/set/member"); ok {
		t.Fatal("ephemeral node survived its session")
	}
	if ok, _ := observer.Exists(ctx, "/set"); !ok {
		t.Fatal("persistent node removed with the session")
	}
	if _, err := c.Exists(ctx, "/set"); !errors.Is(err, coord.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if c.State() != coord.StateClosed {
		t.Fatalf("state %v", c.State())
	}
}

func TestWatchesAreOneShot(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	c := dial(t, mr, 10*time.Second)
	ctx := context.Background()

	ok, ch, err := c.ExistsW(ctx, "/n")
	if err != nil || ok {
		t.Fatalf("exists: %v %v", ok, err)
	}
	if _, err := c.Create(ctx, "/n", nil, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ev := waitEvent(t, ch); ev.Type != coord.EventNodeCreated || ev.Path != "/n" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if err := c.Set(ctx, "/n", []byte("x")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, open := <-ch; open {
		t.Fatal("watch delivered more than one event")
	}

	_, ch, err = c.GetW(ctx, "/n")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := c.Set(ctx, "/n", []byte("y")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ev := waitEvent(t, ch); ev.Type != coord.EventNodeDataChanged {
		t.Fatalf("unexpected event %+v", ev)
	}

	wctx, cancel := context.WithCancel(ctx)
	_, ch, err = c.GetW(wctx, "/n")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	cancel()
	select {
	case ev, open := <-ch:
		if open {
			t.Fatalf("unexpected event after cancel %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch not closed after cancel")
	}

	if _, _, err := c.GetW(ctx, "/missing"); !errors.Is(err, coord.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
	c.mu.Lock()
	pending := len(c.watches)
	c.mu.Unlock()
	if pending != 0 {
		t.Fatalf("%d watches left registered", pending)
	}
}

func TestReapedSessionExpires(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	c := dial(t, mr, 300*time.Millisecond)
	ctx := context.Background()
	if _, err := c.Create(ctx, "/member", nil, coord.FlagEphemeral); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, ch, err := c.ExistsW(ctx, "/other")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if _, err := mr.ZRem(DefaultPrefix+"sessions", c.SessionID()); err != nil {
		t.Fatalf("zrem: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not expire")
	}
	if c.State() != coord.StateExpired {
		t.Fatalf("state %v", c.State())
	}
	if ev := waitEvent(t, ch); ev.Type != coord.EventNotWatching {
		t.Fatalf("unexpected event %+v", ev)
	}
	deadline := time.Now().Add(2 * time.Second)
	for mr.Exists(DefaultPrefix + "node:/member") {
		if time.Now().After(deadline) {
			t.Fatal("ephemeral node survived expiry")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := c.Get(ctx, "/member"); !errors.Is(err, coord.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestOtherConnectionsReapStaleSessions(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	stale := dial(t, mr, 10*time.Second)
	ctx := context.Background()
	if _, err := stale.Create(ctx, "/member", nil, coord.FlagEphemeral); err != nil {
		t.Fatalf("create: %v", err)
	}
	stale.stopKeepalive()
	<-stale.stopped
	if _, err := mr.ZAdd(DefaultPrefix+"sessions", 1, stale.SessionID()); err != nil {
		t.Fatalf("zadd: %v", err)
	}

	reaper := dial(t, mr, 300*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for {
		ok, err := reaper.Exists(ctx, "/member")
		if err != nil {
			t.Fatalf("exists: %v", err)
		}
		if !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stale ephemeral not reaped")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if reaper.State() != coord.StateConnected {
		t.Fatalf("reaper state %v", reaper.State())
	}
}

func TestDialFailure(t *testing.T) {
	_, err := Dialer{}.Dial(context.Background(), coord.DialOptions{})
	if !errors.Is(err, coord.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = Dialer{}.Dial(ctx, coord.DialOptions{Servers: []string{"127.0.0.1:1"}})
	if !errors.Is(err, coord.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
