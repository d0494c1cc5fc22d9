package etcd

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mirkobrombin/go-cages/v1/coord"
)

type watchSpec struct {
	key      string
	opts     []clientv3.OpOption
	classify func(ev *clientv3.Event) (coord.EventType, bool)
}

func dataEvent(ev *clientv3.Event) (coord.EventType, bool) {
	switch {
	case ev.Type == clientv3.EventTypeDelete:
		return coord.EventNodeDeleted, true
	case ev.IsCreate():
		return coord.EventNodeCreated, true
	}
	return coord.EventNodeDataChanged, true
}

// childEvent ignores data updates of existing children.
func childEvent(ev *clientv3.Event) (coord.EventType, bool) {
	if ev.Type == clientv3.EventTypeDelete || ev.IsCreate() {
		return coord.EventNodeChildrenChanged, true
	}
	return 0, false
}

type watchResponse struct {
	resp clientv3.WatchResponse
	spec watchSpec
}

// watchOnce watches the given keys from the revision after rev and delivers the
// first relevant change for p. Ending ctx closes the channel with no event;
// the end of the session delivers coord.EventNotWatching.
func (c *Conn) watchOnce(ctx context.Context, p string, rev int64, specs ...watchSpec) <-chan coord.Event {
	out := make(chan coord.Event, 1)
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	merged := make(chan watchResponse)
	for _, s := range specs {
		opts := append([]clientv3.OpOption{clientv3.WithRev(rev + 1)}, s.opts...)
		wch := c.client.Watch(wctx, s.key, opts...)
		go func() {
			for resp := range wch {
				select {
				case merged <- watchResponse{resp: resp, spec: s}:
				case <-wctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case r := <-merged:
				if wctx.Err() != nil {
					return
				}
				if r.resp.Canceled || r.resp.Err() != nil {
					c.logger.Debug("cages: etcd watch ended", "path", p, "error", r.resp.Err())
					out <- coord.Event{Type: coord.EventNotWatching, Path: p}
					return
				}
				for _, ev := range r.resp.Events {
					if t, ok := r.spec.classify(ev); ok {
						out <- coord.Event{Type: t, Path: p}
						return
					}
				}
			case <-c.tracker.Done():
				out <- coord.Event{Type: coord.EventNotWatching, Path: p}
				return
			case <-wctx.Done():
				return
			}
		}
	}()
	return out
}
