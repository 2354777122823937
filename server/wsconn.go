package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/teranos/cellsync/errors"
	syncPkg "github.com/teranos/cellsync/sync"
)

// maxMessageBytes caps one protocol message; a full Leaves batch of
// records stays well below it
const maxMessageBytes = 16 << 20

// gorillaSyncConn wraps gorilla/websocket.Conn to implement sync.Conn.
type gorillaSyncConn struct {
	conn *websocket.Conn
}

func newSyncConn(c *websocket.Conn) *gorillaSyncConn {
	c.SetReadLimit(maxMessageBytes)
	return &gorillaSyncConn{conn: c}
}

func (c *gorillaSyncConn) ReadJSON(v interface{}) error  { return c.conn.ReadJSON(v) }
func (c *gorillaSyncConn) WriteJSON(v interface{}) error { return c.conn.WriteJSON(v) }
func (c *gorillaSyncConn) Close() error                  { return c.conn.Close() }

// Dial opens a sync connection to a peer's /ws/sync endpoint. peerURL may
// be an http(s) base URL or a ws(s) URL.
func Dial(ctx context.Context, dialer *websocket.Dialer, peerURL string) (syncPkg.Conn, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	url := syncEndpoint(peerURL)
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			err = errors.Wrapf(err, "HTTP %d", resp.StatusCode)
		}
		return nil, errors.Mark(errors.Wrapf(err, "dial %s", url), ErrPeerUnreachable)
	}
	return newSyncConn(conn), nil
}

// dialer returns a sync.Dialer bound to one peer URL
func (s *Server) dialer(peerURL string) syncPkg.Dialer {
	return func(ctx context.Context) (syncPkg.Conn, error) {
		return Dial(ctx, s.wsDialer, peerURL)
	}
}
