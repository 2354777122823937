package sync

import (
	"context"

	"github.com/teranos/cellsync/errors"
)

// respond serves one inbound session. The first message must be Hello; the
// group is held from then until Done or until the initiator goes quiet for
// longer than the idle timeout.
func (s *session) respond(ctx context.Context, conn Conn) error {
	c := s.c
	idle := c.cfg.idleTimeout()

	hello, err := readTimeout(conn, c.clock, idle)
	if err != nil {
		return errors.Wrap(err, "waiting for hello")
	}
	if err := s.accept(ctx, hello); err != nil {
		s.reply(conn, errorMsg(hello.ID, err))
		return err
	}

	s.setState(StateReconciling)
	params := DefaultParams()
	root, err := s.li.ix.Subtree(Path{})
	if err != nil {
		return err
	}
	if err := s.reply(conn, Msg{
		Type:   MsgHello,
		ID:     hello.ID,
		Name:   c.cfg.Name,
		Params: &params,
		Root:   &root.Hash,
		Count:  root.Count,
	}); err != nil {
		return err
	}

	for {
		req, err := readTimeout(conn, c.clock, idle)
		if err != nil {
			return errors.Wrap(err, "waiting for request")
		}
		if err := s.between(ctx); err != nil {
			return err
		}

		if req.Type == MsgDone {
			s.setState(StateCheckpointing)
			c.checkpoint(ctx, s.g, s.li)
			return s.reply(conn, Msg{Type: MsgDone, ID: req.ID, Sent: s.rep.Sent, Received: s.rep.Received})
		}

		resp, err := s.handle(ctx, req)
		if err != nil {
			resp = errorMsg(req.ID, err)
		}
		if err := s.reply(conn, resp); err != nil {
			return err
		}
		if errors.IsProtocolMismatch(err) {
			return err
		}
	}
}

// accept validates Hello and takes the group. A held group is answered
// with a busy error at once, whatever the local busy policy.
func (s *session) accept(ctx context.Context, hello Msg) error {
	if hello.Type != MsgHello {
		return errors.Wrapf(errors.ErrProtocolMismatch, "session opened with %s", hello.Type)
	}
	if hello.Group == "" {
		return errors.NewInvalidRequestError("hello without group")
	}
	s.rep.Group, s.rep.Peer = hello.Group, hello.Name

	if hello.Params == nil {
		return errors.Wrap(errors.ErrProtocolMismatch, "hello without tree params")
	}
	if err := DefaultParams().Compatible(*hello.Params); err != nil {
		return err
	}
	return s.hold(ctx, hello.Group, false)
}

func (s *session) reply(conn Conn, m Msg) error {
	return errors.Wrapf(conn.WriteJSON(m), "send %s", m.Type)
}

func (s *session) handle(ctx context.Context, req Msg) (Msg, error) {
	view := IndexView{Index: s.li.ix}
	resp := Msg{Type: req.Type, ID: req.ID}

	switch req.Type {
	case MsgSubtreeHashes:
		if len(req.Paths) > maxPathsPerRequest {
			return resp, errors.NewInvalidRequestError("%d paths in one request, limit %d", len(req.Paths), maxPathsPerRequest)
		}
		nodes, err := view.SubtreeHashes(ctx, req.Paths)
		if err != nil {
			return resp, err
		}
		resp.Nodes = nodes

	case MsgLeaves:
		if len(req.Paths) > maxPathsPerRequest {
			return resp, errors.NewInvalidRequestError("%d paths in one request, limit %d", len(req.Paths), maxPathsPerRequest)
		}
		leaves, err := view.Leaves(ctx, req.Paths)
		if err != nil {
			return resp, err
		}
		resp.Leaves = leaves

	case MsgGetRecord:
		if req.Key == nil {
			return resp, errors.NewInvalidRequestError("get record without key")
		}
		s.setState(StateExchangingRecords)
		r, err := s.c.store.Get(ctx, s.rep.Group, *req.Key)
		if err != nil {
			return resp, err
		}
		resp.Record = &r
		s.rep.Sent++

	case MsgPutRecord:
		if req.Record == nil {
			return resp, errors.NewInvalidRequestError("put record without record")
		}
		s.setState(StateExchangingRecords)
		r := *req.Record
		if err := r.Validate(); err != nil {
			return resp, err
		}
		if r.GroupID != s.rep.Group {
			return resp, errors.NewInvalidRequestError("record for group %q in session for %q", r.GroupID, s.rep.Group)
		}
		if req.Content == nil {
			return resp, errors.NewInvalidRequestError("put record %s without content hash", r.Timestamp)
		}
		if h := r.ContentHash(); h != *req.Content {
			return resp, errors.NewInvalidRequestError("put record %s: content hash %s, sender has %s", r.Timestamp, h, *req.Content)
		}
		inserted, err := s.c.applyRemote(ctx, s.g, s.li, r)
		if errors.IsConflictError(err) {
			existing, _ := s.li.ix.Get(r.Timestamp)
			s.conflict(r.Timestamp, existing, r.ContentHash())
		}
		if err != nil {
			return resp, err
		}
		resp.Inserted = inserted
		if inserted {
			s.rep.Received++
		}

	default:
		return resp, errors.Wrapf(errors.ErrProtocolMismatch, "unexpected %s mid-session", req.Type)
	}
	return resp, nil
}
