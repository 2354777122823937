package logger

// Standard field names for structured logging across cellsync.
const (
	FieldGroup     = "group"
	FieldPeer      = "peer"
	FieldSession   = "session"
	FieldState     = "state"
	FieldPath      = "path"
	FieldKey       = "key"
	FieldRoot      = "root"
	FieldBase      = "merkle_base"
	FieldCount     = "count"
	FieldSent      = "sent"
	FieldReceived  = "received"
	FieldConflicts = "conflicts"
	FieldAttempt   = "attempt"
	FieldError     = "error"
	FieldDuration  = "duration_ms"
	FieldAddress   = "remote_addr"
)
