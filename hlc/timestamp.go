// Package hlc implements hybrid logical clock timestamps.
//
// A Timestamp combines wall-clock milliseconds, a logical counter that breaks
// ties inside one millisecond, and the id of the node that issued it. Its
// canonical string form is fixed width, so comparing two strings orders them
// exactly like Compare does:
//
//	2024-04-12T05:13:20.831Z-0000-5ef35ca3375b14c8
//	└── millis (UTC) ───────┘ └ctr┘ └─── node ─────┘
//
// Timestamps are the record keys of the replicated log: within a group no two
// records share one.
package hlc

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/teranos/cellsync/errors"
)

const (
	// NodeIDLength is the fixed width of the node part of a timestamp.
	NodeIDLength = 16

	// MaxCounter is the largest counter value; it must fit in four hex digits.
	MaxCounter = 0xFFFF

	// MaxMillis is 9999-12-31T23:59:59.999Z, the last instant a four digit
	// year can express.
	MaxMillis int64 = 253402300799999

	timeLayout = "2006-01-02T15:04:05.000Z"
	timeWidth  = len(timeLayout)
	// time + "-" + counter + "-" + node
	stringWidth = timeWidth + 1 + 4 + 1 + NodeIDLength
)

// Timestamp is a hybrid logical clock reading.
type Timestamp struct {
	Millis  int64
	Counter uint16
	Node    string
}

// New builds a timestamp, left-padding node to NodeIDLength with zeros.
func New(millis int64, counter uint16, node string) Timestamp {
	return Timestamp{Millis: millis, Counter: counter, Node: padNode(node)}
}

// NewNodeID returns a random 16 character node id.
func NewNodeID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[len(id)-NodeIDLength:]
}

func padNode(node string) string {
	if len(node) >= NodeIDLength {
		return node
	}
	return strings.Repeat("0", NodeIDLength-len(node)) + node
}

// Validate reports whether the timestamp can be rendered canonically.
func (t Timestamp) Validate() error {
	if t.Millis < 0 || t.Millis > MaxMillis {
		return errors.NewInvalidRequestError("timestamp millis %d out of range [0, %d]", t.Millis, MaxMillis)
	}
	if !utf8.ValidString(t.Node) {
		return errors.NewInvalidRequestError("node id %q is not valid UTF-8", t.Node)
	}
	node := padNode(t.Node)
	if len(node) != NodeIDLength {
		return errors.NewInvalidRequestError("node id %q longer than %d characters", t.Node, NodeIDLength)
	}
	if strings.ContainsRune(node, '-') {
		return errors.NewInvalidRequestError("node id %q must not contain '-'", t.Node)
	}
	return nil
}

// String renders the canonical fixed-width form.
func (t Timestamp) String() string {
	var b strings.Builder
	b.Grow(stringWidth)
	b.WriteString(time.UnixMilli(t.Millis).UTC().Format(timeLayout))
	fmt.Fprintf(&b, "-%04X-", t.Counter)
	b.WriteString(padNode(t.Node))
	return b.String()
}

// Compare orders timestamps by millis, then counter, then node.
// It returns -1, 0 or +1.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Millis < o.Millis:
		return -1
	case t.Millis > o.Millis:
		return 1
	case t.Counter < o.Counter:
		return -1
	case t.Counter > o.Counter:
		return 1
	}
	return strings.Compare(padNode(t.Node), padNode(o.Node))
}

// Equal reports whether both timestamps name the same instant and node.
func (t Timestamp) Equal(o Timestamp) bool {
	return t.Compare(o) == 0
}

// Time returns the wall-clock part as a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(t.Millis).UTC()
}

// MarshalText implements encoding.TextMarshaler using the canonical form.
func (t Timestamp) MarshalText() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Timestamp) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Parse converts the canonical string form back to a Timestamp.
func Parse(s string) (Timestamp, error) {
	if len(s) != stringWidth || s[timeWidth] != '-' || s[timeWidth+5] != '-' {
		return Timestamp{}, errors.NewInvalidRequestError("malformed timestamp %q", s)
	}

	wall, err := time.Parse(timeLayout, s[:timeWidth])
	if err != nil {
		return Timestamp{}, errors.Wrapf(errors.ErrInvalidRequest, "timestamp %q: %v", s, err)
	}

	counter, err := strconv.ParseUint(s[timeWidth+1:timeWidth+5], 16, 16)
	if err != nil {
		return Timestamp{}, errors.Wrapf(errors.ErrInvalidRequest, "timestamp %q counter: %v", s, err)
	}

	ts := Timestamp{
		Millis:  wall.UnixMilli(),
		Counter: uint16(counter),
		Node:    s[timeWidth+6:],
	}
	if err := ts.Validate(); err != nil {
		return Timestamp{}, err
	}
	return ts, nil
}

// Since returns the smallest timestamp at or after wall time t, useful as a
// lower bound in range scans.
func Since(t time.Time) Timestamp {
	return New(t.UnixMilli(), 0, "")
}
