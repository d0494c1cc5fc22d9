package redis

import (
	"context"
	"strings"

	"github.com/mirkobrombin/go-cages/v1/coord"
)

type watch struct {
	channel  string
	path     string
	classify func(payload string) coord.EventType
	ch       chan coord.Event
	fin      chan struct{}
	fired    bool
}

func dataEvent(payload string) coord.EventType {
	switch payload {
	case "created":
		return coord.EventNodeCreated
	case "deleted":
		return coord.EventNodeDeleted
	}
	return coord.EventNodeDataChanged
}

func childEvent(payload string) coord.EventType {
	if payload == "deleted" {
		return coord.EventNodeDeleted
	}
	return coord.EventNodeChildrenChanged
}

// addWatch registers a watch before the read it belongs to, so no change
// published after the read is missed.
func (c *Conn) addWatch(ctx context.Context, channel, p string, classify func(string) coord.EventType) *watch {
	w := &watch{
		channel:  channel,
		path:     p,
		classify: classify,
		ch:       make(chan coord.Event, 1),
		fin:      make(chan struct{}),
	}
	c.mu.Lock()
	c.watches[channel] = append(c.watches[channel], w)
	c.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			c.dropWatch(w)
		case <-w.fin:
		}
	}()
	return w
}

// finish closes w, delivering ev first when not nil. Caller holds c.mu.
func (w *watch) finish(ev *coord.Event) {
	if w.fired {
		return
	}
	w.fired = true
	if ev != nil {
		w.ch <- *ev
	}
	close(w.ch)
	close(w.fin)
}

func (c *Conn) dropWatch(w *watch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.fired {
		return
	}
	w.finish(nil)
	ws := c.watches[w.channel]
	for i, x := range ws {
		if x == w {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(c.watches, w.channel)
	} else {
		c.watches[w.channel] = ws
	}
}

// dropAllWatches ends every pending watch with coord.EventNotWatching.
func (c *Conn) dropAllWatches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for channel, ws := range c.watches {
		for _, w := range ws {
			w.finish(&coord.Event{Type: coord.EventNotWatching, Path: w.path})
		}
		delete(c.watches, channel)
	}
}

// dispatch routes notifications to the watches registered on their channel.
func (c *Conn) dispatch() {
	for msg := range c.ps.Channel() {
		if !strings.HasPrefix(msg.Channel, c.prefix+"w:") {
			continue
		}
		c.mu.Lock()
		ws := c.watches[msg.Channel]
		delete(c.watches, msg.Channel)
		for _, w := range ws {
			w.finish(&coord.Event{Type: w.classify(msg.Payload), Path: w.path})
		}
		c.mu.Unlock()
	}
}
