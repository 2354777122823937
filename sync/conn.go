package sync

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/teranos/cellsync/errors"
)

// DefaultRoundTripTimeout bounds one request/response exchange.
const DefaultRoundTripTimeout = 30 * time.Second

// Conn abstracts the WebSocket connection for testability.
// The real implementation wraps gorilla/websocket; tests use a channel pair.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

type ioResult struct {
	msg Msg
	err error
}

// readTimeout reads one message, closing conn if nothing arrives within d.
// The read itself is not interruptible, so it runs in its own goroutine and
// the close unblocks it.
func readTimeout(conn Conn, clock clockwork.Clock, d time.Duration) (Msg, error) {
	done := make(chan ioResult, 1)
	go func() {
		var m Msg
		err := conn.ReadJSON(&m)
		done <- ioResult{m, err}
	}()
	return await(conn, clock, d, done)
}

// exchange writes req and reads the reply under one deadline.
func exchange(conn Conn, clock clockwork.Clock, d time.Duration, req Msg) (Msg, error) {
	done := make(chan ioResult, 1)
	go func() {
		if err := conn.WriteJSON(req); err != nil {
			done <- ioResult{err: errors.Wrapf(err, "send %s", req.Type)}
			return
		}
		var m Msg
		err := conn.ReadJSON(&m)
		done <- ioResult{m, errors.Wrapf(err, "receive %s", req.Type)}
	}()
	return await(conn, clock, d, done)
}

func await(conn Conn, clock clockwork.Clock, d time.Duration, done <-chan ioResult) (Msg, error) {
	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.msg, r.err
	case <-timer.Chan():
		conn.Close()
		return Msg{}, errors.Wrapf(errors.ErrSyncTimeout, "no reply within %s", d)
	}
}
