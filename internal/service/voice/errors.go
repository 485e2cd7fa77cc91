package voice

import (
	"errors"
	"fmt"
)

// Errors surfaced by backend adapters and the session layer.
var (
	// ErrConfigurationMissing - the voice feature is disabled or lacks
	// credentials. Rejected up front, no retry.
	ErrConfigurationMissing = errors.New("voice backend not configured")

	// ErrConnectionTimeout - the upstream did not accept the connection in
	// time. The session remains usable for text fallback.
	ErrConnectionTimeout = errors.New("upstream connection timed out")

	// ErrUpstreamRejected - the upstream refused the connection.
	ErrUpstreamRejected = errors.New("upstream rejected connection")

	// ErrNoSpeechDetected - the turn ended with an empty transcript. Soft
	// error, not fatal.
	ErrNoSpeechDetected = errors.New("no speech detected")

	// ErrNotConnected - an operation requires a live upstream connection.
	ErrNotConnected = errors.New("backend not connected")

	// ErrNotSupported - the backend variant does not support the operation.
	ErrNotSupported = errors.New("operation not supported by this backend")
)

// UpstreamError wraps a mid-session failure reported by the backend.
// The adapter instance is disposed but the session survives for a restart.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
