package event

import "errors"

// Model-level input errors.
var (
	ErrInvalidKind      = errors.New("invalid event kind")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrInvalidMetadata  = errors.New("invalid metadata")
)

// State machine violations. The command is rejected and nothing changes.
var (
	ErrAlreadyOpen   = errors.New("event already open")
	ErrNoOpenEvent   = errors.New("no open event")
	ErrAlreadyClosed = errors.New("event already closed")
	ErrNotOpen       = errors.New("event not open")
	ErrNotClosed     = errors.New("event not closed")
)

// ErrPersistence marks a failed durable write to the local store.
// It is fatal for the command that triggered it.
var ErrPersistence = errors.New("persistence error")

// ErrFlushFailed marks a point that could not be delivered to the
// time-series store. It is never returned to command callers.
var ErrFlushFailed = errors.New("flush failed")
