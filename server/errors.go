package server

import (
	"net/http"

	"github.com/teranos/cellsync/errors"
)

var (
	// ErrUnknownPeer indicates a peer name that is neither configured nor a URL
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrPeerUnreachable marks a failed dial, as opposed to a failed session
	ErrPeerUnreachable = errors.New("peer unreachable")
)

// statusFor maps sync and store errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errors.ErrInvalidRequest), errors.Is(err, ErrUnknownPeer):
		return http.StatusBadRequest
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsSessionBusy(err), errors.IsConflictError(err):
		return http.StatusConflict
	case errors.IsSyncTimeout(err):
		return http.StatusGatewayTimeout
	case errors.IsProtocolMismatch(err), errors.Is(err, ErrPeerUnreachable):
		return http.StatusBadGateway
	case errors.IsStoreError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
