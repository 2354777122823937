package sync

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/hlc"
	"github.com/teranos/cellsync/record"
)

// SessionState is where a session, or the group it holds, currently is.
type SessionState int

const (
	StateIdle SessionState = iota
	StateLoadingLocalTree
	StateReconciling
	StateExchangingRecords
	StateCheckpointing
	StateFailed
)

var stateNames = [...]string{
	StateIdle:              "idle",
	StateLoadingLocalTree:  "loading_local_tree",
	StateReconciling:       "reconciling",
	StateExchangingRecords: "exchanging_records",
	StateCheckpointing:     "checkpointing",
	StateFailed:            "failed",
}

func (s SessionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SessionState) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = SessionState(i)
			return nil
		}
	}
	return errors.NewInvalidRequestError("unknown session state %q", b)
}

const (
	roleInitiator = "initiator"
	roleResponder = "responder"
)

// Skipped is a record the session gave up on without failing.
type Skipped struct {
	Key hlc.Timestamp
	Err error
}

// Report summarizes one session.
type Report struct {
	Group      string        `json:"group"`
	Peer       string        `json:"peer"`
	Role       string        `json:"role"`
	State      SessionState  `json:"state"`
	Sent       int           `json:"sent"`
	Received   int           `json:"received"`
	RoundTrips int           `json:"round_trips"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`

	Plan      *Plan            `json:"-"`
	Conflicts []*ConflictError `json:"-"`
	Skipped   []Skipped        `json:"-"`
	Err       error            `json:"-"`
}

// Dialer opens a fresh connection to a peer.
type Dialer func(ctx context.Context) (Conn, error)

type session struct {
	c      *Coordinator
	g      *groupState
	li     *loadedIndex
	held   bool
	rep    *Report
	start  time.Time
	logger *zap.SugaredLogger
}

func (c *Coordinator) newSession(role, group, peer string) *session {
	return &session{
		c:      c,
		rep:    &Report{Group: group, Peer: peer, Role: role, State: StateIdle},
		start:  c.clock.Now(),
		logger: c.logger.With("role", role),
	}
}

// Sync runs one session for group as initiator over conn, which it closes.
func (c *Coordinator) Sync(ctx context.Context, group, peer string, conn Conn) *Report {
	defer conn.Close()
	s := c.newSession(roleInitiator, group, peer)
	return s.finish(s.initiate(ctx, conn))
}

// SyncAll syncs the groups with one peer, one connection and session per
// group, at most MaxConcurrentGroups at a time. A failed group does not stop
// the others; its report carries the error.
func (c *Coordinator) SyncAll(ctx context.Context, peer string, dial Dialer, groups []string) []*Report {
	var eg errgroup.Group
	eg.SetLimit(c.cfg.MaxConcurrentGroups)

	reports := make([]*Report, len(groups))
	for i, group := range groups {
		eg.Go(func() error {
			conn, err := dial(ctx)
			if err != nil {
				s := c.newSession(roleInitiator, group, peer)
				reports[i] = s.finish(errors.Wrapf(err, "dial %s", peer))
				return nil
			}
			reports[i] = c.Sync(ctx, group, peer, conn)
			return nil
		})
	}
	_ = eg.Wait()
	return reports
}

// Serve answers one inbound session as responder over conn, which it closes.
func (c *Coordinator) Serve(ctx context.Context, conn Conn) *Report {
	defer conn.Close()
	s := c.newSession(roleResponder, "", "")
	return s.finish(s.respond(ctx, conn))
}

func (s *session) setState(st SessionState) {
	s.rep.State = st
	if !s.held {
		return
	}
	s.g.mu.Lock()
	s.g.state = st
	s.g.peer = s.rep.Peer
	s.g.mu.Unlock()
}

// hold takes the group's slot and loads its index.
func (s *session) hold(ctx context.Context, group string, wait bool) error {
	s.g = s.c.group(group)
	if err := s.c.acquire(ctx, s.g, wait); err != nil {
		return err
	}
	s.held = true
	s.setState(StateLoadingLocalTree)

	li, err := s.c.load(ctx, s.g)
	if err != nil {
		return err
	}
	s.li = li
	return nil
}

func (s *session) finish(err error) *Report {
	rep := s.rep
	rep.Duration = s.c.clock.Since(s.start)
	if err != nil {
		rep.Err = err
		rep.Error = err.Error()
		rep.State = StateFailed
	} else {
		rep.State = StateIdle
	}

	if s.held {
		s.g.mu.Lock()
		s.g.state = rep.State
		s.g.last = rep
		s.g.mu.Unlock()
		if err != nil && s.li != nil {
			s.li.aborted = true
		}
		s.c.release(context.Background(), s.g, s.li)
	}

	sessionsTotal.WithLabelValues(rep.Role, rep.State.String()).Inc()
	sessionSeconds.WithLabelValues(rep.Role).Observe(rep.Duration.Seconds())
	recordsTotal.WithLabelValues("sent").Add(float64(rep.Sent))
	recordsTotal.WithLabelValues("received").Add(float64(rep.Received))
	conflictsTotal.Add(float64(len(rep.Conflicts)))

	fields := []interface{}{
		"group", rep.Group,
		"peer", rep.Peer,
		"sent", rep.Sent,
		"received", rep.Received,
		"conflicts", len(rep.Conflicts),
		"skipped", len(rep.Skipped),
		"round_trips", rep.RoundTrips,
		"duration", rep.Duration,
	}
	if err != nil {
		s.logger.Warnw("Sync session failed", append(fields, "error", err)...)
	} else {
		s.logger.Infow("Sync session complete", fields...)
	}
	return rep
}

// between runs before every round-trip: queued local writes go into the
// index, then cancellation is checked.
func (s *session) between(ctx context.Context) error {
	s.c.drain(ctx, s.g, s.li)
	return ctx.Err()
}

type drainingView struct {
	s      *session
	remote TreeView
}

func (d drainingView) SubtreeHashes(ctx context.Context, paths []Path) ([]NodeInfo, error) {
	if err := d.s.between(ctx); err != nil {
		return nil, err
	}
	return d.remote.SubtreeHashes(ctx, paths)
}

func (d drainingView) Leaves(ctx context.Context, paths []Path) ([]Leaf, error) {
	if err := d.s.between(ctx); err != nil {
		return nil, err
	}
	return d.remote.Leaves(ctx, paths)
}

func (s *session) initiate(ctx context.Context, conn Conn) error {
	c := s.c
	if err := s.hold(ctx, s.rep.Group, c.cfg.BusyPolicy == BusyQueue); err != nil {
		return err
	}

	peer := NewPeer(conn,
		WithPeerTimeout(c.cfg.RoundTripTimeout),
		WithPeerClock(c.clock),
		WithPeerLogger(s.logger),
	)
	defer func() { s.rep.RoundTrips = peer.RoundTrips() }()

	s.setState(StateReconciling)
	local, err := s.li.ix.Subtree(Path{})
	if err != nil {
		return err
	}
	remote, err := peer.Hello(ctx, s.rep.Group, c.cfg.Name, local)
	if err != nil {
		return errors.Wrap(err, "hello")
	}
	if s.rep.Peer == "" {
		s.rep.Peer = peer.RemoteName()
	}

	rec := NewReconciler(s.li.ix, drainingView{s: s, remote: peer},
		WithLeafThreshold(c.cfg.LeafThreshold),
		WithReconcilerLogger(s.logger),
	)
	plan, err := rec.Reconcile(ctx, remote)
	s.rep.Plan = plan
	if err != nil {
		return errors.Wrap(err, "reconcile")
	}
	s.rep.Conflicts = append(s.rep.Conflicts, plan.Conflicts...)
	for _, cf := range plan.Conflicts {
		s.logger.Warnw("Conflicting record content", "group", cf.Group, "key", cf.Key,
			"local", cf.Existing, "remote", cf.Incoming)
	}

	if len(plan.KeysToFetch)+len(plan.KeysToSend) > 0 {
		s.setState(StateExchangingRecords)
		if err := s.fetch(ctx, peer, plan.KeysToFetch); err != nil {
			return err
		}
		if err := s.push(ctx, peer, plan.KeysToSend); err != nil {
			return err
		}
	}

	if err := peer.Done(ctx, s.rep.Sent, s.rep.Received); err != nil {
		// Everything was exchanged; the responder just did not confirm
		s.logger.Warnw("Peer did not acknowledge end of session", "group", s.rep.Group, "error", err)
	}

	s.setState(StateCheckpointing)
	c.checkpoint(ctx, s.g, s.li)
	return nil
}

// retry repeats fn while it fails with a store error, up to
// MaxRecordAttempts, backing off linearly.
func retry[T any](ctx context.Context, s *session, fn func() (T, error)) (T, error) {
	cfg := s.c.cfg
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil || !errors.IsStoreError(err) || attempt >= cfg.MaxRecordAttempts {
			return v, err
		}
		s.logger.Debugw("Retrying after store failure", "group", s.rep.Group, "attempt", attempt, "error", err)
		if d := cfg.RetryBackoff * time.Duration(attempt); d > 0 {
			select {
			case <-s.c.clock.After(d):
			case <-ctx.Done():
				return v, ctx.Err()
			}
		}
	}
}

func (s *session) skip(key hlc.Timestamp, err error) {
	s.logger.Warnw("Skipping record", "group", s.rep.Group, "key", key, "error", err)
	s.rep.Skipped = append(s.rep.Skipped, Skipped{Key: key, Err: err})
}

func (s *session) conflict(key hlc.Timestamp, existing, incoming record.Hash) {
	cf := &ConflictError{Group: s.rep.Group, Key: key, Existing: existing, Incoming: incoming}
	s.logger.Warnw("Conflicting record content", "group", cf.Group, "key", key, "existing", existing, "incoming", incoming)
	s.rep.Conflicts = append(s.rep.Conflicts, cf)
}

func (s *session) fetch(ctx context.Context, peer Remote, leaves []Leaf) error {
	for _, leaf := range leaves {
		if err := s.between(ctx); err != nil {
			return err
		}
		if err := s.c.limiter.Wait(ctx); err != nil {
			return err
		}

		r, err := retry(ctx, s, func() (record.Record, error) { return peer.GetRecord(ctx, leaf.Key) })
		if errors.IsNotFoundError(err) || errors.IsStoreError(err) {
			s.skip(leaf.Key, err)
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "fetch %s", leaf.Key)
		}
		if err := s.verify(r, leaf); err != nil {
			s.skip(leaf.Key, err)
			continue
		}

		inserted, err := retry(ctx, s, func() (bool, error) { return s.c.applyRemote(ctx, s.g, s.li, r) })
		switch {
		case errors.IsConflictError(err):
			existing, _ := s.li.ix.Get(leaf.Key)
			s.conflict(leaf.Key, existing, leaf.Content)
		case err != nil:
			return errors.Wrapf(err, "apply %s", leaf.Key)
		case inserted:
			s.rep.Received++
		}
	}
	return nil
}

// verify checks a fetched record against the leaf that advertised it.
func (s *session) verify(r record.Record, leaf Leaf) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.GroupID != s.rep.Group {
		return errors.NewInvalidRequestError("record for group %q in session for %q", r.GroupID, s.rep.Group)
	}
	if !r.Timestamp.Equal(leaf.Key) {
		return errors.NewInvalidRequestError("asked for %s, got %s", leaf.Key, r.Timestamp)
	}
	if h := r.ContentHash(); h != leaf.Content {
		return errors.NewInvalidRequestError("content hash %s, advertised %s", h, leaf.Content)
	}
	return nil
}

func (s *session) push(ctx context.Context, peer Remote, keys []hlc.Timestamp) error {
	for _, key := range keys {
		if err := s.between(ctx); err != nil {
			return err
		}
		if err := s.c.limiter.Wait(ctx); err != nil {
			return err
		}

		r, err := s.c.store.Get(ctx, s.rep.Group, key)
		if errors.IsNotFoundError(err) {
			s.skip(key, err)
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", key)
		}

		inserted, err := retry(ctx, s, func() (bool, error) { return peer.PutRecord(ctx, r) })
		switch {
		case errors.IsConflictError(err):
			// The peer's content is not known here, only that it differs
			s.conflict(key, record.Hash{}, r.ContentHash())
		case errors.IsStoreError(err), errors.Is(err, errors.ErrInvalidRequest):
			s.skip(key, err)
		case err != nil:
			return errors.Wrapf(err, "push %s", key)
		case inserted:
			s.rep.Sent++
		}
	}
	return nil
}
