package server

import (
	"net/http"

	"github.com/teranos/cellsync/hlc"
	"github.com/teranos/cellsync/logger"
	"github.com/teranos/cellsync/record"
	syncPkg "github.com/teranos/cellsync/sync"
	"github.com/teranos/cellsync/version"
)

// statusResponse is the JSON response from GET /api/sync/status.
type statusResponse struct {
	Name     string                   `json:"name"`
	Node     string                   `json:"node"`
	Clock    hlc.Timestamp            `json:"clock"`
	Groups   []syncPkg.GroupStatus    `json:"groups"`
	Peers    []PeerStatus             `json:"peers"`
	Activity map[string]GroupActivity `json:"activity"`
}

// HandleStatus returns per-group tree state and peer reachability.
// GET /api/sync/status[?group=g1]
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	groups := []string{r.URL.Query().Get("group")}
	if groups[0] == "" {
		var err error
		if groups, err = s.coord.Groups(r.Context()); err != nil {
			writeErrorFor(w, err)
			return
		}
	}

	resp := statusResponse{
		Name:     s.coord.Config().Name,
		Node:     s.clock.Node(),
		Clock:    s.clock.Last(),
		Groups:   make([]syncPkg.GroupStatus, 0, len(groups)),
		Peers:    s.peerList(),
		Activity: s.activity.snapshot(),
	}
	for _, g := range groups {
		st, err := s.coord.Status(r.Context(), g)
		if err != nil {
			writeErrorFor(w, err)
			return
		}
		resp.Groups = append(resp.Groups, st)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleMessages stores one local write and returns it with its timestamp.
// A record without a timestamp is stamped from the node's clock.
// POST /api/messages {"group_id":"g1","dataset":"d","row":"r","column":"c","value":{"type":"string","value":"x"}}
func (s *Server) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var rec record.Record
	if err := readJSON(w, r, &rec); err != nil {
		return
	}

	stored, err := s.coord.Put(r.Context(), rec)
	if err != nil {
		s.logger.Debugw("Local write rejected", logger.FieldGroup, rec.GroupID, logger.FieldError, err)
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// HandleHealth reports liveness and build information
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"state":    s.State().String(),
		"version":  info.Version,
		"commit":   info.CommitHash,
		"protocol": info.Protocol,
		"node":     s.clock.Node(),
	})
}
