package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/cellsync/am"
	"github.com/teranos/cellsync/errors"
	syncPkg "github.com/teranos/cellsync/sync"
)

func TestRecordPeerResult_SuppressesRepeatedWarnings(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	fake := clockwork.NewFakeClock()
	n := newNode(t, "beta", nil, WithLogger(zap.New(core).Sugar()), WithWallClock(fake))

	unreachable := []*syncPkg.Report{{Group: "g1", Err: errors.Mark(errors.New("dial refused"), ErrPeerUnreachable)}}

	for i := 0; i < syncWarnInitialAttempts+3; i++ {
		st := n.srv.recordPeerResult("alpha", "ws://alpha", unreachable)
		assert.Equal(t, "unreachable", st.Status)
		assert.Equal(t, i+1, st.ConsecutiveFailures)
	}
	assert.Equal(t, syncWarnInitialAttempts, logs.FilterMessage("Scheduled sync failed").Len())

	fake.Advance(time.Hour + time.Second)
	n.srv.recordPeerResult("alpha", "ws://alpha", unreachable)
	assert.Equal(t, syncWarnInitialAttempts+1, logs.FilterMessage("Scheduled sync failed").Len())

	st := n.srv.recordPeerResult("alpha", "ws://alpha", []*syncPkg.Report{{Group: "g1", Sent: 2}})
	assert.Equal(t, "ok", st.Status)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Equal(t, 2, st.Sent)
}

func TestRecordPeerResult_Classification(t *testing.T) {
	n := newNode(t, "beta", nil)

	busy := &syncPkg.Report{Group: "g1", Err: errors.Wrap(errors.ErrSessionBusy, "remote")}
	st := n.srv.recordPeerResult("a", "ws://a", []*syncPkg.Report{busy})
	assert.Equal(t, "ok", st.Status, "a busy remote is retried next tick")

	mismatch := &syncPkg.Report{Group: "g2", Err: errors.Wrap(errors.ErrProtocolMismatch, "fanout")}
	st = n.srv.recordPeerResult("a", "ws://a", []*syncPkg.Report{busy, mismatch})
	assert.Equal(t, "failed", st.Status)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{errors.NewInvalidRequestError("bad"), http.StatusBadRequest},
		{errors.Wrap(ErrUnknownPeer, "x"), http.StatusBadRequest},
		{errors.Wrap(errors.ErrNotFound, "x"), http.StatusNotFound},
		{errors.Wrap(errors.ErrSessionBusy, "x"), http.StatusConflict},
		{errors.Wrap(errors.ErrConflict, "x"), http.StatusConflict},
		{errors.Wrap(errors.ErrSyncTimeout, "x"), http.StatusGatewayTimeout},
		{errors.Wrap(errors.ErrProtocolMismatch, "x"), http.StatusBadGateway},
		{errors.Mark(errors.New("refused"), ErrPeerUnreachable), http.StatusBadGateway},
		{errors.WrapStore(errors.New("disk"), "insert"), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

func TestSyncEndpoint(t *testing.T) {
	tests := map[string]string{
		"http://a:877":          "ws://a:877/ws/sync",
		"https://a.example/":    "wss://a.example/ws/sync",
		"ws://a:877":            "ws://a:877/ws/sync",
		"wss://a:877/ws/sync":   "wss://a:877/ws/sync",
		"http://a:877/prefix/x": "ws://a:877/prefix/x/ws/sync",
	}
	for in, want := range tests {
		assert.Equal(t, want, syncEndpoint(in), in)
	}
}

func TestResolvePeer(t *testing.T) {
	cfg := &am.SyncConfig{Peers: map[string]string{"alpha": "ws://alpha:877"}}

	name, url, err := resolvePeer(cfg, "alpha")
	assert.NoError(t, err)
	assert.Equal(t, "alpha", name)
	assert.Equal(t, "ws://alpha:877", url)

	name, url, err = resolvePeer(cfg, "http://10.0.0.2:877")
	assert.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:877", name)
	assert.Equal(t, name, url)

	_, _, err = resolvePeer(cfg, "gamma")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestCheckOrigin(t *testing.T) {
	n := newNode(t, "alpha", nil)

	req := httptest.NewRequest(http.MethodGet, "/ws/sync", nil)
	assert.True(t, n.srv.checkOrigin(req), "peers send no origin")

	req.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, n.srv.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, n.srv.checkOrigin(req))
}
