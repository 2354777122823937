package sync

import (
	"context"
	"slices"
	gosync "sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/hlc"
	"github.com/teranos/cellsync/record"
	"github.com/teranos/cellsync/store"
)

// BusyPolicy decides what a session does when its group is already held.
type BusyPolicy string

const (
	// BusyReject fails the session with errors.ErrSessionBusy.
	BusyReject BusyPolicy = "reject"
	// BusyQueue waits for the group, honouring the context.
	BusyQueue BusyPolicy = "queue"
)

// ParseBusyPolicy accepts "reject" or "queue"; empty means reject.
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch BusyPolicy(s) {
	case "", BusyReject:
		return BusyReject, nil
	case BusyQueue:
		return BusyQueue, nil
	}
	return "", errors.NewInvalidRequestError("unknown busy policy %q (want reject or queue)", s)
}

// Config tunes a Coordinator.
type Config struct {
	// Name is announced to peers in Hello.
	Name string

	LeafThreshold   int
	CheckpointEvery int

	RoundTripTimeout time.Duration
	// SessionIdleTimeout bounds the wait for the initiator's next request on
	// the responder side. Zero means twice RoundTripTimeout.
	SessionIdleTimeout time.Duration

	MaxRecordAttempts int
	RetryBackoff      time.Duration
	// MaxRecordsPerSecond caps record transfers per coordinator; zero is unlimited.
	MaxRecordsPerSecond float64

	MaxConcurrentGroups int
	IndexCacheSize      int
	BusyPolicy          BusyPolicy

	// VerifyOnLoad recomputes every loaded checkpoint and rebuilds from the
	// record log when it does not check out.
	VerifyOnLoad bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LeafThreshold:       DefaultLeafThreshold,
		CheckpointEvery:     256,
		RoundTripTimeout:    DefaultRoundTripTimeout,
		MaxRecordAttempts:   3,
		RetryBackoff:        200 * time.Millisecond,
		MaxConcurrentGroups: 4,
		IndexCacheSize:      128,
		BusyPolicy:          BusyReject,
	}
}

// Validate checks the config for values the coordinator cannot run with.
func (c Config) Validate() error {
	switch {
	case c.LeafThreshold < 1:
		return errors.NewInvalidRequestError("leaf threshold must be positive, got %d", c.LeafThreshold)
	case c.CheckpointEvery < 1:
		return errors.NewInvalidRequestError("checkpoint interval must be positive, got %d", c.CheckpointEvery)
	case c.RoundTripTimeout <= 0:
		return errors.NewInvalidRequestError("round-trip timeout must be positive, got %s", c.RoundTripTimeout)
	case c.MaxRecordAttempts < 1:
		return errors.NewInvalidRequestError("record attempts must be at least 1, got %d", c.MaxRecordAttempts)
	case c.MaxRecordsPerSecond < 0:
		return errors.NewInvalidRequestError("record rate must not be negative, got %g", c.MaxRecordsPerSecond)
	case c.MaxConcurrentGroups < 1:
		return errors.NewInvalidRequestError("group concurrency must be positive, got %d", c.MaxConcurrentGroups)
	case c.IndexCacheSize < 1:
		return errors.NewInvalidRequestError("index cache size must be positive, got %d", c.IndexCacheSize)
	}
	_, err := ParseBusyPolicy(string(c.BusyPolicy))
	return err
}

func (c Config) idleTimeout() time.Duration {
	if c.SessionIdleTimeout > 0 {
		return c.SessionIdleTimeout
	}
	return 2 * c.RoundTripTimeout
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		c.cfg = cfg
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithWallClock sets the clock used for deadlines, backoff and durations.
func WithWallClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// Coordinator owns every group's index on this replica and runs sync
// sessions against them, as initiator (Sync, SyncAll) and responder (Serve).
//
// Each group has a one-slot exclusive section. A session holds it from index
// load to release; local writes arriving meanwhile are stored at once and
// queued for the index, which the session drains between round-trips.
type Coordinator struct {
	store   store.Store
	hlc     *hlc.Clock
	cfg     Config
	clock   clockwork.Clock
	logger  *zap.SugaredLogger
	limiter *rate.Limiter
	cache   *lru.Cache[string, *loadedIndex]

	mu        gosync.Mutex
	groups    map[string]*groupState
	observers []Observer
}

type loadedIndex struct {
	ix *Index
	// base is guarded by the group's mu; the other fields belong to the
	// slot holder.
	base            int64
	dirty           bool
	sinceCheckpoint int
	invalid         bool
	// aborted is set by a failed session; its release keeps merkle_base
	// where it was.
	aborted bool
	// rebuiltThrough is base as loaded. Records at or below it were
	// restored without being announced to observers.
	rebuiltThrough int64
}

type pendingRecord struct {
	seq int64
	rec record.Record
}

type groupState struct {
	name string

	mu       gosync.Mutex
	busy     bool
	released chan struct{}
	pending  []pendingRecord
	state    SessionState
	peer     string
	last     *Report
}

// NewCoordinator creates a coordinator over st, stamping local writes with clock.
func NewCoordinator(st store.Store, clock *hlc.Clock, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		store:  st,
		hlc:    clock,
		cfg:    DefaultConfig(),
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop().Sugar(),
		groups: make(map[string]*groupState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "sync coordinator config")
	}
	if c.cfg.BusyPolicy == "" {
		c.cfg.BusyPolicy = BusyReject
	}

	cache, err := lru.NewWithEvict(c.cfg.IndexCacheSize, func(group string, li *loadedIndex) {
		c.logger.Debugw("Evicted group index", "group", group, "leaves", li.ix.Count())
	})
	if err != nil {
		return nil, errors.Wrap(err, "index cache")
	}
	c.cache = cache

	if c.cfg.MaxRecordsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(c.cfg.MaxRecordsPerSecond), max(1, int(c.cfg.MaxRecordsPerSecond)))
	} else {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// RegisterObserver adds o to the observers notified after every indexed record.
func (c *Coordinator) RegisterObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Coordinator) group(name string) *groupState {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[name]
	if !ok {
		g = &groupState{name: name, released: make(chan struct{}), state: StateIdle}
		c.groups[name] = g
	}
	return g
}

// Groups lists the groups with stored records or sessions in this process.
func (c *Coordinator) Groups(ctx context.Context) ([]string, error) {
	stored, err := c.store.Groups(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	for name := range c.groups {
		if !slices.Contains(stored, name) {
			stored = append(stored, name)
		}
	}
	c.mu.Unlock()
	slices.Sort(stored)
	return stored, nil
}

// acquire takes the group's slot, waiting for it when wait is set.
func (c *Coordinator) acquire(ctx context.Context, g *groupState, wait bool) error {
	for {
		g.mu.Lock()
		if !g.busy {
			g.busy = true
			g.mu.Unlock()
			return nil
		}
		ch := g.released
		g.mu.Unlock()

		if !wait {
			return errors.Wrapf(errors.ErrSessionBusy, "group %s", g.name)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for group %s", g.name)
		}
	}
}

// release drains queued local writes into li, checkpoints when due, and
// frees the slot. A nil li leaves queued writes to the next index load,
// which replays them from the store. After a failed session nothing is
// checkpointed; the next local write past the interval does it.
func (c *Coordinator) release(ctx context.Context, g *groupState, li *loadedIndex) {
	aborted := li != nil && li.aborted
	if li != nil {
		li.aborted = false
	}
	for {
		if !aborted && li != nil && !li.invalid && li.sinceCheckpoint >= c.cfg.CheckpointEvery {
			c.checkpoint(ctx, g, li)
		}

		g.mu.Lock()
		batch := g.pending
		g.pending = nil
		if len(batch) == 0 || li == nil || li.invalid {
			if li != nil && !li.invalid {
				c.cache.Add(g.name, li)
			}
			g.busy = false
			close(g.released)
			g.released = make(chan struct{})
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()

		c.indexBatch(ctx, g, li, batch)
	}
}

// drain applies queued local writes; the caller holds the slot.
func (c *Coordinator) drain(ctx context.Context, g *groupState, li *loadedIndex) {
	g.mu.Lock()
	batch := g.pending
	g.pending = nil
	g.mu.Unlock()
	c.indexBatch(ctx, g, li, batch)
}

func (c *Coordinator) indexBatch(ctx context.Context, g *groupState, li *loadedIndex, batch []pendingRecord) {
	for _, p := range batch {
		if err := c.index(ctx, g, li, p.seq, p.rec, OriginLocal); err != nil {
			c.logger.Errorw("Queued write could not be indexed; index will be rebuilt",
				"group", g.name, "key", p.rec.Timestamp, "error", err)
			return
		}
	}
}

// load returns the group's index, from cache or from its checkpoint plus
// the records logged after it. The caller holds the slot.
func (c *Coordinator) load(ctx context.Context, g *groupState) (*loadedIndex, error) {
	if li, ok := c.cache.Get(g.name); ok {
		indexLoadsTotal.WithLabelValues("cache").Inc()
		// Another process sharing the database may have appended since
		if _, err := c.catchUp(ctx, g, li, 0, OriginLocal); err != nil {
			return nil, errors.Wrapf(err, "catch up index for group %s", g.name)
		}
		return li, nil
	}

	snap, err := c.store.LoadSnapshot(ctx, g.name)
	if err != nil {
		return nil, err
	}

	source := "snapshot"
	ix, base, err := RebuildFrom(ctx, c.store, g.name, snap)
	if err == nil && snap != nil && c.cfg.VerifyOnLoad {
		if verr := ix.Verify(); verr != nil {
			err = errors.Mark(verr, ErrCorruptSnapshot)
		}
	}
	if err != nil && snap != nil && ctx.Err() == nil && !errors.IsStoreError(err) {
		c.logger.Warnw("Discarding merkle checkpoint, rebuilding from record log",
			"group", g.name, "merkle_base", snap.MerkleBase, "error", err)
		snap = nil
		ix, base, err = RebuildFrom(ctx, c.store, g.name, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load index for group %s", g.name)
	}
	if snap == nil {
		source = "rebuild"
	}
	indexLoadsTotal.WithLabelValues(source).Inc()

	li := &loadedIndex{
		ix:             ix,
		base:           base,
		dirty:          snap == nil || base != snap.MerkleBase,
		rebuiltThrough: base,
	}
	c.cache.Add(g.name, li)

	c.logger.Debugw("Loaded group index",
		"group", g.name,
		"source", source,
		"leaves", ix.Count(),
		"merkle_base", base,
		"root", ix.Root().Short(),
	)
	return li, nil
}

// index makes li cover the stored record r at log position seq; the caller
// holds the slot. li.base only advances by scanning the log, so records
// appended by other writers below seq are indexed too and never skipped.
func (c *Coordinator) index(ctx context.Context, g *groupState, li *loadedIndex, seq int64, r record.Record, origin Origin) error {
	if li.invalid {
		return errors.AssertionFailedf("group %s index already invalidated", g.name)
	}
	met, err := c.catchUp(context.WithoutCancel(ctx), g, li, seq, origin)
	switch {
	case err != nil && li.invalid:
		return err
	case err != nil:
		// The log could not be read: index r alone and leave base where it
		// is, so the next catch-up covers whatever was missed.
		c.logger.Warnw("Log scan failed, indexing record alone", "group", g.name, "seq", seq, "error", err)
		return c.insert(g, li, seq, r, origin)
	case !met && seq <= li.rebuiltThrough:
		c.indexed(li, r, origin)
	}
	return nil
}

// catchUp indexes every stored record after li.base and reports whether
// the record at seq was among them. That record is announced with origin;
// the rest are local writes.
func (c *Coordinator) catchUp(ctx context.Context, g *groupState, li *loadedIndex, seq int64, origin Origin) (bool, error) {
	g.mu.Lock()
	base := li.base
	g.mu.Unlock()

	met := false
	err := c.store.ScanAfter(ctx, g.name, base, func(s int64, r record.Record) error {
		o := OriginLocal
		if s == seq {
			o, met = origin, true
		}
		if err := c.insert(g, li, s, r, o); err != nil {
			return err
		}
		g.mu.Lock()
		li.base = s
		g.mu.Unlock()
		return nil
	})
	return met, err
}

func (c *Coordinator) insert(g *groupState, li *loadedIndex, seq int64, r record.Record, origin Origin) error {
	inserted, err := li.ix.Insert(r.Timestamp, r.ContentHash())
	if err != nil {
		// Stored but not indexed: the in-memory tree no longer matches the store
		li.invalid = true
		c.cache.Remove(g.name)
		return errors.Wrapf(err, "index seq %d", seq)
	}
	if inserted {
		c.indexed(li, r, origin)
	}
	return nil
}

// indexed accounts for r joining li and tells observers.
func (c *Coordinator) indexed(li *loadedIndex, r record.Record, origin Origin) {
	li.dirty = true
	if origin == OriginLocal {
		li.sinceCheckpoint++
	}

	c.mu.Lock()
	observers := c.observers
	c.mu.Unlock()
	for _, o := range observers {
		o.OnRecordIndexed(r, origin)
	}
}

// checkpoint persists li. Failures are logged and leave the previous
// checkpoint in place.
func (c *Coordinator) checkpoint(ctx context.Context, g *groupState, li *loadedIndex) {
	if li.invalid || !li.dirty {
		return
	}

	// Queued writes are stored but not yet indexed, so the checkpoint may
	// only claim the log below the oldest of them.
	g.mu.Lock()
	base := li.base
	for _, p := range g.pending {
		base = min(base, p.seq-1)
	}
	g.mu.Unlock()

	snap := store.Snapshot{GroupID: g.name, Merkle: EncodeSnapshot(li.ix), MerkleBase: base}
	if err := c.store.SaveSnapshot(context.WithoutCancel(ctx), snap); err != nil {
		checkpointsTotal.WithLabelValues("failed").Inc()
		c.logger.Warnw("Merkle checkpoint failed", "group", g.name, "merkle_base", base, "error", err)
		return
	}
	checkpointsTotal.WithLabelValues("ok").Inc()
	li.dirty = false
	li.sinceCheckpoint = 0
	c.logger.Debugw("Merkle checkpoint written",
		"group", g.name,
		"merkle_base", base,
		"bytes", len(snap.Merkle),
		"root", li.ix.Root().Short(),
	)
}

// Put stores a local write and indexes it. A zero timestamp is stamped from
// the replica's hybrid logical clock. Conflicts with a stored record at the
// same key are returned; an identical record is a no-op.
//
// The record is durable when Put returns. If a session holds the group, the
// index insert is deferred until the session's next round-trip.
func (c *Coordinator) Put(ctx context.Context, r record.Record) (record.Record, error) {
	if r.Timestamp == (hlc.Timestamp{}) {
		ts, err := c.hlc.Now()
		if err != nil {
			return r, err
		}
		r.Timestamp = ts
	}
	if err := r.Validate(); err != nil {
		return r, err
	}

	g := c.group(r.GroupID)
	g.mu.Lock()
	inserted, seq, err := c.store.InsertIfAbsent(ctx, r)
	if err != nil || !inserted {
		g.mu.Unlock()
		return r, err
	}
	if g.busy {
		g.pending = append(g.pending, pendingRecord{seq: seq, rec: r})
		g.mu.Unlock()
		localWritesTotal.WithLabelValues("queued").Inc()
		return r, nil
	}
	g.busy = true
	g.mu.Unlock()
	localWritesTotal.WithLabelValues("direct").Inc()

	li, err := c.load(ctx, g)
	if err != nil {
		c.logger.Warnw("Record stored but group index unavailable; it is indexed on next load",
			"group", g.name, "key", r.Timestamp, "error", err)
		c.release(ctx, g, nil)
		return r, nil
	}
	if err := c.index(ctx, g, li, seq, r, OriginLocal); err != nil {
		c.logger.Errorw("Record stored but not indexed; index will be rebuilt",
			"group", g.name, "key", r.Timestamp, "error", err)
	}
	c.release(ctx, g, li)
	return r, nil
}

// applyRemote stores and indexes a record received from a peer; the caller
// holds the slot.
func (c *Coordinator) applyRemote(ctx context.Context, g *groupState, li *loadedIndex, r record.Record) (bool, error) {
	inserted, seq, err := c.store.InsertIfAbsent(ctx, r)
	if err != nil || !inserted {
		return false, err
	}
	if err := c.index(ctx, g, li, seq, r, OriginSync); err != nil {
		return true, err
	}
	if err := c.hlc.Observe(r.Timestamp); err != nil {
		c.logger.Debugw("Remote timestamp not merged into clock", "group", g.name, "key", r.Timestamp, "error", err)
	}
	return true, nil
}

// GroupStatus is a point-in-time view of one group.
type GroupStatus struct {
	Group   string       `json:"group"`
	Root    Digest       `json:"root"`
	Count   int          `json:"count"`
	Base    int64        `json:"merkle_base"`
	Pending int          `json:"pending"`
	State   SessionState `json:"state"`
	Peer    string       `json:"peer,omitempty"`
	// Loaded is false when a session held the group and no cached index
	// was available; Root, Count and Base are then unknown.
	Loaded   bool    `json:"loaded"`
	LastSync *Report `json:"last_sync,omitempty"`
}

// Status reports a group's root, loading its index if needed and free.
func (c *Coordinator) Status(ctx context.Context, group string) (GroupStatus, error) {
	g := c.group(group)

	if li, ok := c.cache.Peek(group); ok {
		return c.status(g, li), nil
	}

	if err := c.acquire(ctx, g, false); err != nil {
		if errors.IsSessionBusy(err) {
			return c.status(g, nil), nil
		}
		return GroupStatus{}, err
	}
	li, err := c.load(ctx, g)
	c.release(ctx, g, li)
	if err != nil {
		return GroupStatus{}, err
	}
	return c.status(g, li), nil
}

func (c *Coordinator) status(g *groupState, li *loadedIndex) GroupStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := GroupStatus{
		Group:    g.name,
		Pending:  len(g.pending),
		State:    g.state,
		Peer:     g.peer,
		LastSync: g.last,
	}
	if li != nil {
		st.Root, st.Count, st.Base, st.Loaded = li.ix.Root(), li.ix.Count(), li.base, true
	}
	return st
}
