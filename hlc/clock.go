package hlc

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/teranos/cellsync/errors"
)

// DefaultMaxDrift is how far ahead of local physical time a timestamp may be.
const DefaultMaxDrift = time.Minute

var (
	// ErrClockDrift means a timestamp is too far ahead of physical time.
	ErrClockDrift = errors.New("clock drift exceeds limit")
	// ErrCounterOverflow means more than MaxCounter events happened in one millisecond.
	ErrCounterOverflow = errors.New("hlc counter overflow")
	// ErrDuplicateNode means a remote timestamp carries our own node id.
	ErrDuplicateNode = errors.New("remote timestamp from our own node id")
)

// Clock issues monotonic timestamps for one node and merges remote readings.
// It is safe for concurrent use.
type Clock struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	maxDrift time.Duration
	node     string
	last     Timestamp
}

// ClockOption configures a Clock.
type ClockOption func(*Clock)

// WithClock sets the physical time source.
func WithClock(c clockwork.Clock) ClockOption {
	return func(hc *Clock) {
		hc.clock = c
	}
}

// WithMaxDrift sets the accepted drift ahead of physical time.
func WithMaxDrift(d time.Duration) ClockOption {
	return func(hc *Clock) {
		hc.maxDrift = d
	}
}

// NewClock creates a clock for node.
func NewClock(node string, opts ...ClockOption) *Clock {
	c := &Clock{
		clock:    clockwork.NewRealClock(),
		maxDrift: DefaultMaxDrift,
		node:     padNode(node),
		last:     New(0, 0, node),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Node returns the node id stamped on issued timestamps.
func (c *Clock) Node() string {
	return c.node
}

// Last returns the most recent timestamp issued or observed.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Now issues a new timestamp for a local event. Logical time never goes
// backwards; the counter advances while physical time stands still.
func (c *Clock) Now() (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.clock.Now().UnixMilli()
	lOld, cOld := c.last.Millis, int(c.last.Counter)

	lNew := max(lOld, phys)
	cNew := 0
	if lNew == lOld {
		cNew = cOld + 1
	}

	if err := c.check(lNew, cNew, phys); err != nil {
		return Timestamp{}, err
	}

	c.last = Timestamp{Millis: lNew, Counter: uint16(cNew), Node: c.node}
	return c.last, nil
}

// Observe merges a timestamp received from another node so that later local
// timestamps sort after it.
func (c *Clock) Observe(remote Timestamp) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if padNode(remote.Node) == c.node {
		return errors.Wrapf(ErrDuplicateNode, "node %s", remote.Node)
	}

	phys := c.clock.Now().UnixMilli()
	if time.Duration(remote.Millis-phys)*time.Millisecond > c.maxDrift {
		return errors.Wrapf(ErrClockDrift, "remote %s is %dms ahead", remote, remote.Millis-phys)
	}

	lOld, cOld := c.last.Millis, int(c.last.Counter)
	lMsg, cMsg := remote.Millis, int(remote.Counter)

	lNew := max(lOld, phys, lMsg)
	var cNew int
	switch {
	case lNew == lOld && lNew == lMsg:
		cNew = max(cOld, cMsg) + 1
	case lNew == lOld:
		cNew = cOld + 1
	case lNew == lMsg:
		cNew = cMsg + 1
	}

	if err := c.check(lNew, cNew, phys); err != nil {
		return err
	}

	c.last = Timestamp{Millis: lNew, Counter: uint16(cNew), Node: c.node}
	return nil
}

func (c *Clock) check(millis int64, counter int, phys int64) error {
	if time.Duration(millis-phys)*time.Millisecond > c.maxDrift {
		return errors.Wrapf(ErrClockDrift, "logical %d physical %d", millis, phys)
	}
	if counter > MaxCounter {
		return errors.Wrapf(ErrCounterOverflow, "counter %d", counter)
	}
	return nil
}
