package server

import "time"

const (
	// ShutdownTimeout bounds graceful shutdown, including in-flight sessions
	ShutdownTimeout = 30 * time.Second

	// MaxRequestBodyBytes caps JSON request bodies
	MaxRequestBodyBytes = 1 << 20

	// syncWarnInitialAttempts is how many consecutive failures per peer are
	// logged individually before warnings drop to one per hour
	syncWarnInitialAttempts = 5
)

// ServerState represents the server lifecycle state
type ServerState int32

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PeerStatus is the outcome of the latest scheduled sync with one peer
type PeerStatus struct {
	Name                string    `json:"name"`
	URL                 string    `json:"url"`
	Status              string    `json:"status"` // "", "ok", "unreachable" or "failed"
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	LastSync            time.Time `json:"last_sync,omitempty"`
	Sent                int       `json:"sent"`
	Received            int       `json:"received"`
}
