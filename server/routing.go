package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws/sync", s.HandleSyncWebSocket)                    // Inbound sync sessions (responder)
	mux.HandleFunc("/api/sync", s.corsMiddleware(s.HandleSync))          // Initiate sync with a peer (POST)
	mux.HandleFunc("/api/sync/status", s.corsMiddleware(s.HandleStatus)) // Per-group roots and peer status (GET)
	mux.HandleFunc("/api/messages", s.corsMiddleware(s.HandleMessages))  // Local writes (POST)
	mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// corsMiddleware allows configured browser origins to call the JSON API
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}
