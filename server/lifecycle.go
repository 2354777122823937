package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/cellsync/errors"
)

// Start listens on port and serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "listen on port %d", port)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	if interval := time.Duration(s.syncCfg.Load().IntervalSeconds) * time.Second; interval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.startSyncTicker(s.ctx, interval)
		}()
	}
	if s.configWatcher != nil {
		s.configWatcher.Start()
	}

	s.setState(ServerStateRunning)
	s.logger.Infow("Server ready", "addr", ln.Addr().String(), "name", s.coord.Config().Name, "node", s.clock.Node())

	errc := make(chan error, 1)
	go func() { errc <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errc:
		stopErr := s.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return stopErr
		}
		return errors.Wrap(err, "http server")
	}
}

// Stop gracefully shuts down the server. It is safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() { err = s.stop() })
	return err
}

func (s *Server) stop() error {
	s.logger.Infow("Initiating server shutdown")
	s.connsMu.Lock()
	s.setState(ServerStateDraining)
	s.connsMu.Unlock()

	var shutdownErr error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		shutdownErr = s.httpServer.Shutdown(ctx)
		cancel()
	}

	// Hijacked sync connections are not covered by Shutdown
	s.cancel()
	if n := s.closeConns(); n > 0 {
		s.logger.Infow("Closed inbound sync connections", "count", n)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit", "timeout", ShutdownTimeout)
	}

	if s.configWatcher != nil {
		if err := s.configWatcher.Stop(); err != nil {
			s.logger.Warnw("Failed to stop config watcher", "error", err)
		}
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete")
	return errors.Wrap(shutdownErr, "http shutdown")
}
