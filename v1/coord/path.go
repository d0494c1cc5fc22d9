package coord

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// SequenceDigits is the width of the zero padded counter appended to sequential
// node names.
const SequenceDigits = 10

// Validate checks that p is an absolute, clean node path.
func Validate(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("%w: %q must be absolute", ErrBadPath, p)
	}
	if p == "/" {
		return nil
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("%w: %q has a trailing slash", ErrBadPath, p)
	}
	if path.Clean(p) != p {
		return fmt.Errorf("%w: %q is not clean", ErrBadPath, p)
	}
	return nil
}

// Join joins elements into an absolute node path.
func Join(elem ...string) string {
	return path.Join(append([]string{"/"}, elem...)...)
}

// Parent returns the parent of p. The parent of "/" is "/".
func Parent(p string) string {
	return path.Dir(p)
}

// Base returns the last element of p.
func Base(p string) string {
	return path.Base(p)
}

// FormatSequence appends a zero padded sequence counter to prefix.
func FormatSequence(prefix string, seq int64) string {
	return fmt.Sprintf("%s%0*d", prefix, SequenceDigits, seq)
}

// Sequence parses the counter suffix of a sequential node name.
func Sequence(name string) (int64, error) {
	if len(name) < SequenceDigits {
		return 0, fmt.Errorf("%w: %q", ErrBadSequence, name)
	}
	n, err := strconv.ParseInt(name[len(name)-SequenceDigits:], 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadSequence, name)
	}
	return n, nil
}

// SplitSequence splits a sequential node name into its prefix and counter.
func SplitSequence(name string) (string, int64, error) {
	seq, err := Sequence(name)
	if err != nil {
		return "", 0, err
	}
	return name[:len(name)-SequenceDigits], seq, nil
}

// CreateAll creates p and every missing ancestor as persistent nodes. Nodes that
// already exist, including ones created concurrently by other sessions, count as
// success.
func CreateAll(ctx context.Context, c Conn, p string) error {
	if err := Validate(p); err != nil {
		return err
	}
	if p == "/" {
		return nil
	}
	ok, err := c.Exists(ctx, p)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := CreateAll(ctx, c, Parent(p)); err != nil {
		return err
	}
	if _, err := c.Create(ctx, p, nil, 0); err != nil && !errors.Is(err, ErrNodeExists) {
		return err
	}
	return nil
}
