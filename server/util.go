package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// upgrader creates a WebSocket upgrader with origin checking from config
func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin validates the WebSocket origin against the allowed origins.
// Peers dial without an Origin header; browsers always send one.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	// Prefix matching allows any port number
	for _, allowed := range s.allowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// httpToWS converts http(s) URLs to ws(s) URLs; ws(s) URLs pass through
func httpToWS(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// syncEndpoint returns the /ws/sync URL of a peer base URL
func syncEndpoint(peerURL string) string {
	u := strings.TrimRight(httpToWS(peerURL), "/")
	if strings.HasSuffix(u, "/ws/sync") {
		return u
	}
	return u + "/ws/sync"
}
