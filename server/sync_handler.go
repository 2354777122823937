package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/teranos/cellsync/am"
	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/logger"
	syncPkg "github.com/teranos/cellsync/sync"
)

// HandleSyncWebSocket answers one inbound sync session. The remote peer
// is the initiator; this node runs the responder side.
func (s *Server) HandleSyncWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.enter() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	upgrader := s.upgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Sync WebSocket upgrade failed", logger.FieldAddress, r.RemoteAddr, logger.FieldError, err)
		return
	}

	conn := newSyncConn(ws)
	if !s.trackConn(conn) {
		conn.Close()
		return
	}
	defer s.untrackConn(conn)

	rep := s.coord.Serve(s.ctx, conn)
	if rep.Err != nil {
		s.logger.Debugw("Inbound sync ended with error",
			logger.FieldAddress, r.RemoteAddr,
			logger.FieldGroup, rep.Group,
			logger.FieldPeer, rep.Peer,
			logger.FieldError, rep.Err)
	}
}

// syncRequest is the JSON body for POST /api/sync.
type syncRequest struct {
	Peer  string `json:"peer"`  // configured peer name or base URL, e.g. "http://phone.local:877"
	Group string `json:"group"` // empty syncs every group
}

// syncResponse is the JSON response from POST /api/sync.
type syncResponse struct {
	Peer    string            `json:"peer"`
	Reports []*syncPkg.Report `json:"reports"`
	Error   string            `json:"error,omitempty"`
}

// HandleSync initiates outbound sync with a peer.
// POST /api/sync {"peer":"phone","group":"g1"}
func (s *Server) HandleSync(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req syncRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	cfg := s.syncCfg.Load()
	name, url, err := resolvePeer(cfg, req.Peer)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	groups := []string{req.Group}
	if req.Group == "" {
		if groups, err = s.groups(r.Context(), cfg); err != nil {
			writeErrorFor(w, err)
			return
		}
	}

	s.logger.Infow("Initiating sync with peer", logger.FieldPeer, name, "url", url, "groups", len(groups))
	reports := s.coord.SyncAll(r.Context(), name, s.dialer(url), groups)
	s.recordPeerResult(name, url, reports)

	resp := syncResponse{Peer: name, Reports: reports}
	status := http.StatusOK
	if err := firstFailure(reports); err != nil {
		resp.Error = err.Error()
		status = statusFor(err)
	}
	writeJSON(w, status, resp)
}

// resolvePeer maps a configured name or a literal URL onto (name, url)
func resolvePeer(cfg *am.SyncConfig, peer string) (string, string, error) {
	if peer == "" {
		return "", "", errors.NewInvalidRequestError("missing 'peer' field")
	}
	if url, ok := cfg.Peers[strings.ToLower(peer)]; ok {
		return strings.ToLower(peer), url, nil
	}
	if strings.Contains(peer, "://") {
		return peer, peer, nil
	}
	return "", "", errors.Wrapf(ErrUnknownPeer, "%q is not configured and not a URL", peer)
}

// firstFailure returns the first error among reports
func firstFailure(reports []*syncPkg.Report) error {
	for _, rep := range reports {
		if rep.Err != nil {
			return rep.Err
		}
	}
	return nil
}

// groups returns the configured groups, or every group the store knows
func (s *Server) groups(ctx context.Context, cfg *am.SyncConfig) ([]string, error) {
	if len(cfg.Groups) > 0 {
		return cfg.Groups, nil
	}
	return s.coord.Groups(ctx)
}

// startSyncTicker runs periodic sync with all configured peers.
func (s *Server) startSyncTicker(ctx context.Context, interval time.Duration) {
	s.logger.Infow("Sync ticker started", "interval", interval)

	ticker := s.wall.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.syncAllPeers(ctx)
		}
	}
}

// syncAllPeers reconciles every group with every configured peer. Emits one
// summary log per tick. Individual failure warnings are suppressed after
// syncWarnInitialAttempts consecutive failures per peer, then re-emitted hourly.
func (s *Server) syncAllPeers(ctx context.Context) {
	cfg := s.syncCfg.Load()
	if len(cfg.Peers) == 0 {
		return
	}

	groups, err := s.groups(ctx, cfg)
	if err != nil {
		s.logger.Warnw("Scheduled sync: cannot list groups", logger.FieldError, err)
		return
	}
	if len(groups) == 0 {
		return
	}

	names := make([]string, 0, len(cfg.Peers))
	for name := range cfg.Peers {
		names = append(names, name)
	}
	sort.Strings(names)

	var synced int
	var transferred, unreachable []string

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		url := cfg.Peers[name]
		reports := s.coord.SyncAll(ctx, name, s.dialer(url), groups)
		st := s.recordPeerResult(name, url, reports)

		switch st.Status {
		case "ok":
			synced++
			if st.Sent > 0 || st.Received > 0 {
				transferred = append(transferred, fmt.Sprintf("%s ↑%d↓%d", name, st.Sent, st.Received))
			}
		case "unreachable":
			unreachable = append(unreachable, name)
		}
	}

	// One summary line per tick, only when something noteworthy happened
	if len(transferred) > 0 || len(unreachable) > 0 {
		fields := []interface{}{}
		if synced > 0 {
			fields = append(fields, "synced", synced)
		}
		if len(transferred) > 0 {
			fields = append(fields, "transferred", strings.Join(transferred, ", "))
		}
		if len(unreachable) > 0 {
			fields = append(fields, "unreachable", len(unreachable))
		}
		s.logger.Infow("Sync tick", fields...)
	}
}

// recordPeerResult folds one round of reports into the peer's status and
// logs failures subject to suppression. A remote busy answer is not a
// failure; the group is simply retried next tick.
func (s *Server) recordPeerResult(name, url string, reports []*syncPkg.Report) PeerStatus {
	var sent, received int
	var failed []*syncPkg.Report
	allUnreachable := true
	for _, rep := range reports {
		sent += rep.Sent
		received += rep.Received
		if rep.Err == nil || errors.IsSessionBusy(rep.Err) {
			continue
		}
		failed = append(failed, rep)
		if !errors.Is(rep.Err, ErrPeerUnreachable) {
			allUnreachable = false
		}
	}

	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	st, ok := s.peers[name]
	if !ok {
		st = &PeerStatus{Name: name}
		s.peers[name] = st
	}
	st.URL, st.Sent, st.Received = url, sent, received
	st.LastSync = s.wall.Now()

	if len(failed) == 0 {
		st.Status = "ok"
		st.ConsecutiveFailures = 0
		return *st
	}

	st.ConsecutiveFailures++
	st.Status = "failed"
	if allUnreachable {
		st.Status = "unreachable"
	}

	if st.ConsecutiveFailures <= syncWarnInitialAttempts || s.wall.Since(s.lastWarned[name]) > time.Hour {
		rep := failed[0]
		s.logger.Warnw("Scheduled sync failed",
			logger.FieldPeer, name,
			"url", url,
			"status", st.Status,
			"failed_groups", len(failed),
			logger.FieldGroup, rep.Group,
			logger.FieldError, rep.Err,
			"consecutive_failures", st.ConsecutiveFailures)
		s.lastWarned[name] = s.wall.Now()
	}
	return *st
}

// peerList returns configured peers with their latest status, sorted by name
func (s *Server) peerList() []PeerStatus {
	cfg := s.syncCfg.Load()

	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	out := make([]PeerStatus, 0, len(cfg.Peers))
	for name, url := range cfg.Peers {
		st := PeerStatus{Name: name, URL: url}
		if known, ok := s.peers[name]; ok {
			st = *known
			st.URL = url
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
