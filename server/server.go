package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/teranos/cellsync/am"
	"github.com/teranos/cellsync/hlc"
	"github.com/teranos/cellsync/logger"
	syncPkg "github.com/teranos/cellsync/sync"
)

// Server exposes a Coordinator over HTTP and WebSocket and drives the
// periodic sync with configured peers.
type Server struct {
	coord  *syncPkg.Coordinator
	clock  *hlc.Clock
	logger *zap.SugaredLogger
	wall   clockwork.Clock

	wsDialer       *websocket.Dialer
	allowedOrigins []string
	syncCfg        atomic.Pointer[am.SyncConfig]
	configWatcher  *am.ConfigWatcher

	activity *activity

	peersMu    sync.Mutex
	peers      map[string]*PeerStatus
	lastWarned map[string]time.Time

	connsMu sync.Mutex
	conns   map[*gorillaSyncConn]struct{}

	httpServer *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	state    atomic.Int32
	stopOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.logger = l }
}

// WithWallClock replaces the clock driving the sync ticker.
func WithWallClock(c clockwork.Clock) Option {
	return func(s *Server) { s.wall = c }
}

// WithDialer sets the WebSocket dialer used to reach peers.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Server) { s.wsDialer = d }
}

// WithConfigWatcher reloads peers and groups when the watched file changes.
// The server stops the watcher on shutdown.
func WithConfigWatcher(w *am.ConfigWatcher) Option {
	return func(s *Server) { s.configWatcher = w }
}

// New creates a server for coord. clock is the coordinator's HLC and is
// only read for status output.
func New(coord *syncPkg.Coordinator, clock *hlc.Clock, cfg *am.Config, opts ...Option) *Server {
	s := &Server{
		coord:          coord,
		clock:          clock,
		wall:           clockwork.NewRealClock(),
		wsDialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		allowedOrigins: cfg.GetServerAllowedOrigins(),
		activity:       newActivity(),
		peers:          map[string]*PeerStatus{},
		lastWarned:     map[string]time.Time{},
		conns:          map[*gorillaSyncConn]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Named("server")
	}

	syncCfg := cfg.Sync
	s.syncCfg.Store(&syncCfg)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	coord.RegisterObserver(s.activity)
	if s.configWatcher != nil {
		s.configWatcher.OnReload(s.reloadSyncConfig)
	}
	return s
}

// State returns the lifecycle state.
func (s *Server) State() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(st ServerState) {
	s.state.Store(int32(st))
	s.logger.Infow("Server state changed", "new_state", st.String())
}

// reloadSyncConfig swaps in the peers and groups of a reloaded config.
// The ticker interval is fixed at start.
func (s *Server) reloadSyncConfig(cfg *am.Config) error {
	next := cfg.Sync
	prev := s.syncCfg.Swap(&next)
	if prev != nil && prev.IntervalSeconds != next.IntervalSeconds {
		s.logger.Warnw("sync.interval_seconds changed; restart to apply",
			"running", prev.IntervalSeconds,
			"configured", next.IntervalSeconds)
	}
	s.logger.Infow("Sync peers reloaded", "peers", len(next.Peers), "groups", len(next.Groups))
	return nil
}

// enter joins wg unless shutdown has begun. stop flips state under the same
// lock, so wg.Wait never races a late Add.
func (s *Server) enter() bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.State() != ServerStateRunning {
		return false
	}
	s.wg.Add(1)
	return true
}

// trackConn registers c for closeConns; it refuses once draining.
func (s *Server) trackConn(c *gorillaSyncConn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.State() != ServerStateRunning {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrackConn(c *gorillaSyncConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
}

// closeConns closes every inbound sync connection, unblocking their reads
func (s *Server) closeConns() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		c.Close()
	}
	return len(s.conns)
}
