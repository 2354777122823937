package sync

import (
	"strings"

	"github.com/teranos/cellsync/errors"
)

const hexDigits = "0123456789abcdef"

// Path addresses a node: one nibble per level, most significant first.
// The empty path is the root; a path of length Depth is a bucket holding the
// leaves of exactly one millisecond.
type Path []byte

// KeyPath is the bucket path of a key's millisecond.
func KeyPath(millis int64) Path {
	p := make(Path, Depth)
	for i := Depth - 1; i >= 0; i-- {
		p[i] = byte(millis & 0xF)
		millis >>= 4
	}
	return p
}

// ParsePath reads the hex form produced by String.
func ParsePath(s string) (Path, error) {
	if len(s) > Depth {
		return nil, errors.NewInvalidRequestError("path %q deeper than %d", s, Depth)
	}
	p := make(Path, len(s))
	for i := 0; i < len(s); i++ {
		n := strings.IndexByte(hexDigits, s[i])
		if n < 0 {
			return nil, errors.NewInvalidRequestError("path %q: %q is not a lowercase hex digit", s, s[i])
		}
		p[i] = byte(n)
	}
	return p, nil
}

// Validate checks depth and nibble range.
func (p Path) Validate() error {
	if len(p) > Depth {
		return errors.NewInvalidRequestError("path of depth %d exceeds %d", len(p), Depth)
	}
	for i, n := range p {
		if n >= FanOut {
			return errors.NewInvalidRequestError("path nibble %d at level %d out of range", n, i)
		}
	}
	return nil
}

func (p Path) String() string {
	var b strings.Builder
	b.Grow(len(p))
	for _, n := range p {
		b.WriteByte(hexDigits[n&0xF])
	}
	return b.String()
}

// Child returns a new path one level below p.
func (p Path) Child(i int) Path {
	c := make(Path, len(p)+1)
	copy(c, p)
	c[len(p)] = byte(i)
	return c
}

// Children returns the FanOut child paths of p in index order.
func (p Path) Children() []Path {
	out := make([]Path, FanOut)
	for i := range out {
		out[i] = p.Child(i)
	}
	return out
}

func (p Path) IsBucket() bool { return len(p) == Depth }

// Contains reports whether the key's bucket lies under p.
func (p Path) Contains(millis int64) bool {
	kp := KeyPath(millis)
	for i, n := range p {
		if kp[i] != n {
			return false
		}
	}
	return true
}

func (p Path) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Path) UnmarshalText(b []byte) error {
	parsed, err := ParsePath(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
