package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/cellsync/am"
	"github.com/teranos/cellsync/hlc"
	"github.com/teranos/cellsync/internal/util"
	"github.com/teranos/cellsync/record"
	"github.com/teranos/cellsync/store"
	syncPkg "github.com/teranos/cellsync/sync"
)

type node struct {
	name  string
	srv   *Server
	coord *syncPkg.Coordinator
	store *store.MemStore
	http  *httptest.Server
}

func testAppConfig(name string, peers map[string]string) *am.Config {
	return &am.Config{
		Server: am.ServerConfig{Port: util.Ptr(1)},
		Sync:   am.SyncConfig{Name: name, Peers: peers},
	}
}

func newNode(t *testing.T, name string, cfg *am.Config, opts ...Option) *node {
	t.Helper()
	if cfg == nil {
		cfg = testAppConfig(name, nil)
	}
	log := zaptest.NewLogger(t).Sugar()

	sc := syncPkg.DefaultConfig()
	sc.Name = name
	sc.RoundTripTimeout = 5 * time.Second
	sc.RetryBackoff = 0

	st := store.NewMemStore()
	coord, err := syncPkg.NewCoordinator(st, hlc.NewClock(name), syncPkg.WithConfig(sc), syncPkg.WithLogger(log))
	require.NoError(t, err)

	srv := New(coord, hlc.NewClock(name), cfg, append([]Option{WithLogger(log)}, opts...)...)
	srv.setState(ServerStateRunning)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.cancel()
		srv.closeConns()
		hs.Close()
	})
	return &node{name: name, srv: srv, coord: coord, store: st, http: hs}
}

func cellRecord(group string, millis int64, value string) record.Record {
	return record.Record{
		Timestamp: hlc.New(millis, 0, "nodea"),
		GroupID:   group,
		Dataset:   "todos",
		Row:       "r1",
		Column:    "title",
		Value:     record.String(value),
	}
}

func post(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHandleMessages(t *testing.T) {
	n := newNode(t, "alpha", nil)

	resp := post(t, n.http.URL+"/api/messages", map[string]interface{}{
		"group_id": "g1",
		"dataset":  "todos",
		"row":      "r1",
		"column":   "title",
		"value":    map[string]interface{}{"type": "string", "value": "buy milk"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var got record.Record
	decode(t, resp, &got)
	assert.NotZero(t, got.Timestamp.Millis, "stamped from the node clock")
	assert.Equal(t, "g1", got.GroupID)

	stored, err := n.store.Get(context.Background(), "g1", got.Timestamp)
	require.NoError(t, err)
	assert.True(t, stored.SameContent(got))
}

func TestHandleMessages_Rejects(t *testing.T) {
	n := newNode(t, "alpha", nil)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"unknown field", map[string]interface{}{"group_id": "g1", "colour": "red"}, http.StatusBadRequest},
		{"missing group", map[string]interface{}{
			"dataset": "d", "row": "r", "column": "c",
			"value": map[string]interface{}{"type": "null"},
		}, http.StatusBadRequest},
		{"bad value type", map[string]interface{}{
			"group_id": "g1", "dataset": "d", "row": "r", "column": "c",
			"value": map[string]interface{}{"type": "blob"},
		}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, n.http.URL+"/api/messages", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	resp, err := http.Get(n.http.URL + "/api/messages")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSyncBetweenNodes(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "alpha", nil)
	b := newNode(t, "beta", nil)

	_, err := a.coord.Put(ctx, cellRecord("g1", 1000, "from a"))
	require.NoError(t, err)
	_, err = b.coord.Put(ctx, cellRecord("g1", 2000, "from b"))
	require.NoError(t, err)

	resp := post(t, b.http.URL+"/api/sync", map[string]string{"peer": a.http.URL, "group": "g1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out syncResponse
	decode(t, resp, &out)
	require.Len(t, out.Reports, 1)
	assert.Equal(t, 1, out.Reports[0].Sent)
	assert.Equal(t, 1, out.Reports[0].Received)
	assert.Empty(t, out.Reports[0].Error)

	sa, err := a.coord.Status(ctx, "g1")
	require.NoError(t, err)
	sb, err := b.coord.Status(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, sa.Count)
	assert.Equal(t, sa.Root, sb.Root)
}

func TestSyncAllGroupsByConfiguredName(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "alpha", nil)
	_, err := a.coord.Put(ctx, cellRecord("g1", 1000, "x"))
	require.NoError(t, err)

	b := newNode(t, "beta", testAppConfig("beta", map[string]string{"alpha": a.http.URL}))
	_, err = b.coord.Put(ctx, cellRecord("g2", 1000, "y"))
	require.NoError(t, err)

	// Without sync.groups, the initiator's own groups are synced
	resp := post(t, b.http.URL+"/api/sync", map[string]string{"peer": "Alpha"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out syncResponse
	decode(t, resp, &out)
	assert.Equal(t, "alpha", out.Peer)
	require.Len(t, out.Reports, 1)
	assert.Equal(t, "g2", out.Reports[0].Group)

	_, err = a.store.Get(ctx, "g2", cellRecord("g2", 1000, "y").Timestamp)
	assert.NoError(t, err)
}

func TestHandleSync_Errors(t *testing.T) {
	n := newNode(t, "beta", nil)

	resp := post(t, n.http.URL+"/api/sync", map[string]string{"group": "g1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, n.http.URL+"/api/sync", map[string]string{"peer": "nobody", "group": "g1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// nothing listens on a closed listener's address
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	resp = post(t, n.http.URL+"/api/sync", map[string]string{"peer": "http://" + addr, "group": "g1"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var out syncResponse
	decode(t, resp, &out)
	require.Len(t, out.Reports, 1)
	assert.Equal(t, syncPkg.StateFailed, out.Reports[0].State)
	assert.NotEmpty(t, out.Error)
}

func TestHandleStatus(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "alpha", testAppConfig("alpha", map[string]string{"beta": "ws://beta:877"}))
	_, err := n.coord.Put(ctx, cellRecord("g1", 1000, "x"))
	require.NoError(t, err)
	_, err = n.coord.Put(ctx, cellRecord("g1", 2000, "y"))
	require.NoError(t, err)

	resp, err := http.Get(n.http.URL + "/api/sync/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Name   string `json:"name"`
		Groups []struct {
			Group  string `json:"group"`
			Count  int    `json:"count"`
			Loaded bool   `json:"loaded"`
		} `json:"groups"`
		Peers    []PeerStatus             `json:"peers"`
		Activity map[string]GroupActivity `json:"activity"`
	}
	decode(t, resp, &out)

	assert.Equal(t, "alpha", out.Name)
	require.Len(t, out.Groups, 1)
	assert.Equal(t, 2, out.Groups[0].Count)
	assert.True(t, out.Groups[0].Loaded)
	require.Len(t, out.Peers, 1)
	assert.Equal(t, "beta", out.Peers[0].Name)
	assert.Equal(t, int64(2), out.Activity["g1"].Local)
}

func TestHandleHealthAndMetrics(t *testing.T) {
	n := newNode(t, "alpha", nil)

	resp, err := http.Get(n.http.URL + "/health")
	require.NoError(t, err)
	var health map[string]interface{}
	decode(t, resp, &health)
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "running", health["state"])

	resp, err = http.Get(n.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSyncTicker(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "alpha", nil)
	_, err := a.coord.Put(ctx, cellRecord("g1", 1000, "x"))
	require.NoError(t, err)

	fake := clockwork.NewFakeClock()
	cfg := testAppConfig("beta", map[string]string{"alpha": a.http.URL})
	cfg.Sync.Groups = []string{"g1"}
	b := newNode(t, "beta", cfg, WithWallClock(fake))

	tickCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.srv.startSyncTicker(tickCtx, time.Minute)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	fake.BlockUntil(1)
	fake.Advance(time.Minute)

	require.Eventually(t, func() bool {
		_, err := b.store.Get(ctx, "g1", cellRecord("g1", 1000, "x").Timestamp)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		peers := b.srv.peerList()
		return len(peers) == 1 && peers[0].Status == "ok"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServeAndStop(t *testing.T) {
	n := newNode(t, "alpha", nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- n.srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, ServerStateStopped, n.srv.State())
	assert.NoError(t, n.srv.Stop(), "second Stop is a no-op")
}

func TestReloadSyncConfig(t *testing.T) {
	n := newNode(t, "alpha", nil)
	assert.Empty(t, n.srv.peerList())

	require.NoError(t, n.srv.reloadSyncConfig(testAppConfig("alpha", map[string]string{"gamma": "ws://gamma:877"})))

	peers := n.srv.peerList()
	require.Len(t, peers, 1)
	assert.Equal(t, "gamma", peers[0].Name)
	assert.Equal(t, "", peers[0].Status)
}

func TestInboundSyncRejectedWhileDraining(t *testing.T) {
	n := newNode(t, "alpha", nil)
	n.srv.setState(ServerStateDraining)

	_, err := Dial(context.Background(), nil, n.http.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPeerUnreachable)
	assert.True(t, strings.Contains(err.Error(), "503"))
}

func TestStop_RacesInboundSync(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "alpha", nil)

	held, err := Dial(ctx, nil, n.http.URL)
	require.NoError(t, err)
	defer held.Close()

	// keep sessions arriving while shutdown drains the WaitGroup
	stop := make(chan struct{})
	var dialers gosync.WaitGroup
	for i := 0; i < 8; i++ {
		dialers.Add(1)
		go func() {
			defer dialers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if conn, err := Dial(ctx, nil, n.http.URL); err == nil {
					conn.Close()
				}
			}
		}()
	}

	stopped := make(chan error, 1)
	go func() { stopped <- n.srv.Stop() }()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(ShutdownTimeout / 2):
		t.Fatal("Stop did not drain inbound sessions")
	}
	close(stop)
	dialers.Wait()

	assert.Equal(t, ServerStateStopped, n.srv.State())
	assert.False(t, n.srv.enter(), "no session joins after shutdown")

	_, err = Dial(ctx, nil, n.http.URL)
	assert.ErrorIs(t, err, ErrPeerUnreachable)
}
