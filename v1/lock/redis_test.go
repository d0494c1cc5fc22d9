package lock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"golang.org/x/sync/errgroup"

	credis "github.com/mirkobrombin/go-cages/v1/coord/redis"
	"github.com/mirkobrombin/go-cages/v1/gate"
	"github.com/mirkobrombin/go-cages/v1/session"
)

func newRedisSession(t *testing.T, mr *miniredis.Miniredis) *session.Handle {
	t.Helper()
	h, err := session.Dial(context.Background(), session.Config{
		ConnectString:  mr.Addr() + "/UnitTests",
		SessionTimeout: 10 * time.Second,
		Dialer:         credis.Dialer{},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestRedisWriteLockMutualExclusion(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	sessions := []*session.Handle{newRedisSession(t, mr), newRedisSession(t, mr), newRedisSession(t, mr)}
	var next atomic.Int32
	task := &lockingTask{}
	task.newLock = func() (*Lock, error) {
		h := sessions[int(next.Add(1))%len(sessions)]
		return NewWriteLock(h, resource)
	}
	task.onAcquire = func(t *testing.T) {
		if task.active.Load() > 1 {
			t.Error("another write operation is ongoing")
		}
	}
	start := gate.New(false)
	var g errgroup.Group
	for i := 0; i < 6; i++ {
		g.Go(func() error { return task.run(t, start) })
	}
	start.Set()
	if err := g.Wait(); err != nil {
		t.Fatalf("task: %v", err)
	}
	if n := task.parallel.Load(); n != 0 {
		t.Fatalf("expected no parallel processing, got %d", n)
	}
	if n := queueLen(t, sessions[0]); n != 0 {
		t.Fatalf("expected an empty queue, got %d nodes", n)
	}
}
