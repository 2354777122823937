package sync

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/hlc"
	"github.com/teranos/cellsync/record"
)

// TreeView is what reconciliation needs to see of the other side's index.
type TreeView interface {
	SubtreeHashes(ctx context.Context, paths []Path) ([]NodeInfo, error)
	Leaves(ctx context.Context, paths []Path) ([]Leaf, error)
}

// Remote is the initiator's view of one session with a responder.
type Remote interface {
	TreeView
	Hello(ctx context.Context, group, name string, local NodeInfo) (NodeInfo, error)
	GetRecord(ctx context.Context, key hlc.Timestamp) (record.Record, error)
	PutRecord(ctx context.Context, r record.Record) (bool, error)
	Done(ctx context.Context, sent, received int) error
}

// Peer drives one sync session over a Conn, as the initiator.
//
// Every call is one round-trip bounded by the round-trip timeout. A timeout
// closes the connection and fails every later call; the context is only
// consulted between round-trips, so an exchange already on the wire is never
// abandoned half way.
type Peer struct {
	conn    Conn
	clock   clockwork.Clock
	timeout time.Duration
	logger  *zap.SugaredLogger

	nextID     uint64
	roundTrips int
	broken     error
	remoteName string
}

var _ Remote = (*Peer)(nil)

// PeerOption configures a Peer.
type PeerOption func(*Peer)

// WithPeerTimeout sets the round-trip timeout.
func WithPeerTimeout(d time.Duration) PeerOption {
	return func(p *Peer) {
		p.timeout = d
	}
}

// WithPeerClock sets the clock used for round-trip deadlines.
func WithPeerClock(c clockwork.Clock) PeerOption {
	return func(p *Peer) {
		p.clock = c
	}
}

// WithPeerLogger sets the logger.
func WithPeerLogger(l *zap.SugaredLogger) PeerOption {
	return func(p *Peer) {
		p.logger = l
	}
}

// NewPeer wraps conn. The caller keeps ownership of conn.
func NewPeer(conn Conn, opts ...PeerOption) *Peer {
	p := &Peer{
		conn:    conn,
		clock:   clockwork.NewRealClock(),
		timeout: DefaultRoundTripTimeout,
		logger:  zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RoundTrips counts completed and failed exchanges.
func (p *Peer) RoundTrips() int { return p.roundTrips }

// RemoteName is the name the responder announced in Hello.
func (p *Peer) RemoteName() string { return p.remoteName }

func (p *Peer) call(ctx context.Context, req Msg) (Msg, error) {
	if p.broken != nil {
		return Msg{}, errors.Wrapf(p.broken, "session unusable for %s", req.Type)
	}
	if err := ctx.Err(); err != nil {
		return Msg{}, errors.Wrapf(err, "before %s", req.Type)
	}

	p.nextID++
	req.ID = p.nextID

	start := p.clock.Now()
	resp, err := exchange(p.conn, p.clock, p.timeout, req)
	p.roundTrips++
	roundTripsTotal.WithLabelValues(string(req.Type)).Inc()
	roundTripSeconds.Observe(p.clock.Since(start).Seconds())

	if err != nil {
		p.logger.Debugw("Sync round-trip failed", "type", req.Type, "id", req.ID, "error", err)
		p.broken = err
		return Msg{}, err
	}
	if resp.ID != req.ID {
		p.broken = errors.Newf("reply id %d to request %d (%s)", resp.ID, req.ID, req.Type)
		return Msg{}, p.broken
	}
	if resp.Type == MsgError {
		if resp.Error == nil {
			return Msg{}, errors.Newf("peer failed %s without detail", req.Type)
		}
		return Msg{}, resp.Error.asError(req.Type)
	}
	if resp.Type != req.Type {
		p.broken = errors.Newf("expected %s reply, got %s", req.Type, resp.Type)
		return Msg{}, p.broken
	}
	return resp, nil
}

// Hello opens the session for group and returns the responder's root.
func (p *Peer) Hello(ctx context.Context, group, name string, local NodeInfo) (NodeInfo, error) {
	params := DefaultParams()
	resp, err := p.call(ctx, Msg{
		Type:   MsgHello,
		Group:  group,
		Name:   name,
		Params: &params,
		Root:   &local.Hash,
		Count:  local.Count,
	})
	if err != nil {
		return NodeInfo{}, err
	}
	if resp.Params == nil {
		return NodeInfo{}, errors.Wrap(errors.ErrProtocolMismatch, "peer sent no tree params")
	}
	if err := params.Compatible(*resp.Params); err != nil {
		return NodeInfo{}, err
	}

	p.remoteName = resp.Name
	info := NodeInfo{Path: Path{}, Count: resp.Count}
	if resp.Root != nil {
		info.Hash = *resp.Root
	}
	return info, nil
}

// SubtreeHashes fetches hash and count for each path, in order.
func (p *Peer) SubtreeHashes(ctx context.Context, paths []Path) ([]NodeInfo, error) {
	resp, err := p.call(ctx, Msg{Type: MsgSubtreeHashes, Paths: paths})
	if err != nil {
		return nil, err
	}
	if len(resp.Nodes) != len(paths) {
		return nil, errors.Newf("asked for %d subtrees, got %d", len(paths), len(resp.Nodes))
	}
	for i := range paths {
		if resp.Nodes[i].Path.String() != paths[i].String() {
			return nil, errors.Newf("subtree %d: asked for %q, got %q", i, paths[i], resp.Nodes[i].Path)
		}
	}
	return resp.Nodes, nil
}

// Leaves fetches every leaf under the given paths.
func (p *Peer) Leaves(ctx context.Context, paths []Path) ([]Leaf, error) {
	resp, err := p.call(ctx, Msg{Type: MsgLeaves, Paths: paths})
	if err != nil {
		return nil, err
	}
	return resp.Leaves, nil
}

// GetRecord fetches one record.
func (p *Peer) GetRecord(ctx context.Context, key hlc.Timestamp) (record.Record, error) {
	resp, err := p.call(ctx, Msg{Type: MsgGetRecord, Key: &key})
	if err != nil {
		return record.Record{}, err
	}
	if resp.Record == nil {
		return record.Record{}, errors.Wrapf(errors.ErrNotFound, "peer sent no record for %s", key)
	}
	return *resp.Record, nil
}

// PutRecord pushes one record and reports whether the responder stored it.
func (p *Peer) PutRecord(ctx context.Context, r record.Record) (bool, error) {
	content := r.ContentHash()
	resp, err := p.call(ctx, Msg{Type: MsgPutRecord, Record: &r, Content: &content})
	if err != nil {
		return false, err
	}
	return resp.Inserted, nil
}

// Done closes the session on the responder side.
func (p *Peer) Done(ctx context.Context, sent, received int) error {
	_, err := p.call(ctx, Msg{Type: MsgDone, Sent: sent, Received: received})
	return err
}
