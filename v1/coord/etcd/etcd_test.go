package etcd

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-cages/v1/coord"
)

func testPrefix() string { return "cages-test/" + uuid.NewString() + "/" }

// dial connects to the etcd cluster named by CAGES_ETCD_ENDPOINT and skips the
// test when it is unset.
func dial(t *testing.T, prefix string) *Conn {
	t.Helper()
	endpoint := os.Getenv("CAGES_ETCD_ENDPOINT")
	if endpoint == "" {
		t.Skip("CAGES_ETCD_ENDPOINT is not set")
	}
	d := Dialer{Prefix: prefix, ZapLogger: zap.NewNop()}
	c, err := d.Dial(context.Background(), coord.DialOptions{
		Servers:        strings.Split(endpoint, ","),
		SessionTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c.(*Conn)
}

func TestKeyLayout(t *testing.T) {
	if got := nodeKey("/a/b"); got != "n/002/a/b" {
		t.Fatalf("node key %s", got)
	}
	if got := childPrefix("/a/b"); got != "n/003/a/b/" {
		t.Fatalf("child prefix %s", got)
	}
	if got := childPrefix("/"); got != "n/001/" {
		t.Fatalf("root child prefix %s", got)
	}
	if !strings.HasPrefix(nodeKey("/a/b/c"), childPrefix("/a/b")) {
		t.Fatal("child key outside the child prefix")
	}
	if strings.HasPrefix(nodeKey("/a/b/c/d"), childPrefix("/a/b")) {
		t.Fatal("grandchild key inside the child prefix")
	}
}

func TestZapLogsReachSlog(t *testing.T) {
	var buf bytes.Buffer
	l := newZapLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	l.Debug("dropped")
	l.With(zap.String("endpoint", "e1")).Warn("retrying", zap.Int("attempt", 2))
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("debug entry forwarded: %s", out)
	}
	for _, want := range []string{"retrying", "endpoint=e1", "attempt=2", "component=etcd-client", "level=WARN"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}
}

func TestNodesAndSequences(t *testing.T) {
	c := dial(t, testPrefix())
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
	third, err := c.Create(ctx, "/locks/write-", nil, coord.FlagEphemeral|coord.FlagSequential)
	if err != nil || third != "/locks/write-0000000002" {
		t.Fatalf("sequence reused: %s %v", third, err)
	}
	names, err := c.Children(ctx, "/locks")
	if err != nil || len(names) != 2 {
		t.Fatalf("children: %v %v", names, err)
	}
	data, err := c.Get(ctx, "/locks")
	if err != nil || string(data) != "root" {
		t.Fatalf("get: %q %v", data, err)
	}
}

func TestEphemeralsRemovedOnClose(t *testing.T) {
	prefix := testPrefix()
	c, observer := dial(t, prefix), dial(t, prefix)
	ctx := context.Background()
	if _, err := c.Create(ctx, "/set", nil, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Create(ctx, "/set/member", nil, coord.FlagEphemeral); err != nil {
		t.Fatalf("create: %v", err)
	}
	names, ch, err := observer.ChildrenW(ctx, "/set")
	if err != nil || len(names) != 1 {
		t.Fatalf("children: %v %v", names, err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != coord.EventNodeChildrenChanged || ev.Path != "/set" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no children event")
	}
	if ok, _ := observer.Exists(ctx, "/set/member"); ok {
		t.Fatal("ephemeral node survived its session")
	}
	if _, err := c.Exists(ctx, "/set"); !errors.Is(err, coord.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWatchesAreOneShot(t *testing.T) {
	c := dial(t, testPrefix())
	ctx := context.Background()
	ok, ch, err := c.ExistsW(ctx, "/n")
	if err != nil || ok {
		t.Fatalf("exists: %v %v", ok, err)
	}
	if _, err := c.Create(ctx, "/n", nil, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Set(ctx, "/n", []byte("x")); err != nil {
		t.Fatalf("set: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != coord.EventNodeCreated {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	if _, open := <-ch; open {
		t.Fatal("watch delivered more than one event")
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
	case <-time.After(5 * time.Second):
		t.Fatal("watch not closed after cancel")
	}
}
