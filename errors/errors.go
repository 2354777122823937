// Package errors provides error handling for cellsync.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details for operators
//   - Marking so sentinel checks survive wrapping and encoding
//
// Usage:
//
//	// Wrap with context
//	if err := store.InsertIfAbsent(ctx, rec); err != nil {
//	    return errors.Wrap(err, "failed to insert record")
//	}
//
//	// Check sync failures
//	if errors.Is(err, errors.ErrSessionBusy) {
//	    // retry later
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// Operator-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Sentinel errors. Wrap them with Wrap/Wrapf to add context; errors.Is still
// matches the sentinel afterwards.
var (
	// ErrNotFound indicates the requested record or snapshot does not exist.
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates a malformed request or argument.
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates the same (timestamp, group) key with different content.
	ErrConflict = New("record conflict")

	// ErrProtocolMismatch indicates peers disagree on tree shape or protocol version.
	ErrProtocolMismatch = New("protocol mismatch")

	// ErrSyncTimeout indicates a protocol round-trip exceeded its deadline.
	ErrSyncTimeout = New("sync round-trip timed out")

	// ErrSessionBusy indicates another session already holds the group.
	ErrSessionBusy = New("sync session busy")

	// ErrStore indicates a failure of the underlying record or snapshot store.
	ErrStore = New("store failure")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflictError checks if an error is or wraps ErrConflict.
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsProtocolMismatch checks if an error is or wraps ErrProtocolMismatch.
func IsProtocolMismatch(err error) bool {
	return err != nil && Is(err, ErrProtocolMismatch)
}

// IsSyncTimeout checks if an error is or wraps ErrSyncTimeout.
func IsSyncTimeout(err error) bool {
	return err != nil && Is(err, ErrSyncTimeout)
}

// IsSessionBusy checks if an error is or wraps ErrSessionBusy.
func IsSessionBusy(err error) bool {
	return err != nil && Is(err, ErrSessionBusy)
}

// IsStoreError checks if an error is or wraps ErrStore.
func IsStoreError(err error) bool {
	return err != nil && Is(err, ErrStore)
}

// WrapStore marks err as a store failure while keeping its original chain,
// so both errors.Is(err, ErrStore) and checks against the driver error work.
func WrapStore(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, msg), ErrStore)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
