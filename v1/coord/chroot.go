package coord

import (
	"context"
	"strings"
)

type chrooted struct {
	Conn
	root string
}

// Chroot returns a Conn that resolves every path relative to root. Paths handed
// back to the caller, including watch event paths, are relative to root as well.
// An empty root or "/" returns c unchanged.
func Chroot(c Conn, root string) Conn {
	if root == "" || root == "/" {
		return c
	}
	return &chrooted{Conn: c, root: root}
}

func (c *chrooted) abs(p string) string {
	if p == "/" {
		return c.root
	}
	return c.root + p
}

func (c *chrooted) rel(p string) string {
	if p == c.root {
		return "/"
	}
	return strings.TrimPrefix(p, c.root)
}

func (c *chrooted) events(in <-chan Event) <-chan Event {
	if in == nil {
		return nil
	}
	out := make(chan Event, 1)
	go func() {
		defer close(out)
		for ev := range in {
			ev.Path = c.rel(ev.Path)
			out <- ev
		}
	}()
	return out
}

func (c *chrooted) Create(ctx context.Context, path string, data []byte, flags Flag) (string, error) {
	if err := Validate(path); err != nil {
		return "", err
	}
	actual, err := c.Conn.Create(ctx, c.abs(path), data, flags)
	if err != nil {
		return "", err
	}
	return c.rel(actual), nil
}

func (c *chrooted) Delete(ctx context.Context, path string) error {
	return c.Conn.Delete(ctx, c.abs(path))
}

func (c *chrooted) Exists(ctx context.Context, path string) (bool, error) {
	return c.Conn.Exists(ctx, c.abs(path))
}

func (c *chrooted) ExistsW(ctx context.Context, path string) (bool, <-chan Event, error) {
	ok, ch, err := c.Conn.ExistsW(ctx, c.abs(path))
	return ok, c.events(ch), err
}

func (c *chrooted) Get(ctx context.Context, path string) ([]byte, error) {
	return c.Conn.Get(ctx, c.abs(path))
}

func (c *chrooted) GetW(ctx context.Context, path string) ([]byte, <-chan Event, error) {
	data, ch, err := c.Conn.GetW(ctx, c.abs(path))
	return data, c.events(ch), err
}

func (c *chrooted) Set(ctx context.Context, path string, data []byte) error {
	return c.Conn.Set(ctx, c.abs(path), data)
}

func (c *chrooted) Children(ctx context.Context, path string) ([]string, error) {
	return c.Conn.Children(ctx, c.abs(path))
}

func (c *chrooted) ChildrenW(ctx context.Context, path string) ([]string, <-chan Event, error) {
	names, ch, err := c.Conn.ChildrenW(ctx, c.abs(path))
	return names, c.events(ch), err
}
