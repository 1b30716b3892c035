// Package engineerr implements the error taxonomy from spec.md §7 as a
// Kind enum carried by a wrapped error, so callers can classify a
// failure with errors.As instead of string matching, matching the
// teacher's plain fmt.Errorf("...: %w", err) wrapping style.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure for policy decisions by the
// caller (surface vs. drop vs. retry).
type Kind string

const (
	// Network is an HTTP/WS I/O failure; surfaced to the caller, the
	// transport moves to Disconnected.
	Network Kind = "network"
	// Unauthorized is a missing/invalid bearer token; surfaced, the
	// caller should re-register.
	Unauthorized Kind = "unauthorized"
	// ProtocolError is a crypto-core rejection, invalid message index,
	// or round mismatch; surfaced via an error event, the driver
	// rewinds its processed flag to allow retry.
	ProtocolError Kind = "protocol_error"
	// InvalidMessage is a structural wire-validation failure; dropped
	// at the transport, never surfaced.
	InvalidMessage Kind = "invalid_message"
	// CorruptData is an at-rest checksum mismatch or schema
	// violation; surfaced, the caller may fall back to .bak.
	CorruptData Kind = "corrupt_data"
	// SessionUninitialized is a driver operation attempted before
	// initialize; surfaced synchronously.
	SessionUninitialized Kind = "session_uninitialized"
	// Conflict is a duplicate party/group id; the caller retries.
	Conflict Kind = "conflict"
	// Cancelled is a disconnect during an in-flight operation; the
	// caller treats it as benign.
	Cancelled Kind = "cancelled"
	// Fatal covers an absent encryption key when required, a
	// triggered recursive-encrypt guard, or an out-of-bounds member
	// index; surfaced, the session MUST be destroyed.
	Fatal Kind = "fatal"
	// NotFound is a missing keyshare or group record.
	NotFound Kind = "not_found"
)

// EngineError is the concrete error type carrying a Kind alongside the
// wrapped cause.
type EngineError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// New builds an EngineError with no wrapped cause.
func New(kind Kind, message string) *EngineError {
	return &EngineError{Kind: kind, Message: message}
}

// Wrap builds an EngineError carrying cause, or returns nil if cause
// is nil.
func Wrap(kind Kind, message string, cause error) *EngineError {
	if cause == nil {
		return nil
	}
	return &EngineError{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an EngineError of the given kind.
func Is(err error, kind Kind) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, or ("", false) if err is
// not an EngineError.
func KindOf(err error) (Kind, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return "", false
}
