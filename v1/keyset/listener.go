package keyset

import "sync"

// listener delivers snapshots to one callback in order, on its own goroutine,
// so a slow callback never stalls the refresh loop or other listeners.
type listener struct {
	fn func(Keys)

	mu    sync.Mutex
	queue []Keys
	wake  chan struct{}
	stop  chan struct{}
	once  sync.Once
}

func newListener(fn func(Keys)) *listener {
	l := &listener{
		fn:   fn,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *listener) push(k Keys) {
	l.mu.Lock()
	l.queue = append(l.queue, k)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *listener) run() {
	for {
		select {
		case <-l.stop:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			k := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()

			select {
			case <-l.stop:
				return
			default:
			}
			l.fn(k)
		}
	}
}
