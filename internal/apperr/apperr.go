// Package apperr defines the error taxonomy shared by the ingestion pipeline
// stages. Every terminal failure carries a Kind so callers can present
// stage-specific messages without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindNoURL             Kind = "no_url"
	KindDuplicateInFlight Kind = "duplicate_in_flight"
	KindFetchTimeout      Kind = "fetch_timeout"
	KindFetchBlocked      Kind = "fetch_blocked"
	KindSchemaViolation   Kind = "schema_violation"
	KindModelUnavailable  Kind = "model_unavailable"
	KindSchemaMismatch    Kind = "schema_mismatch"
	KindStoreUnavailable  Kind = "store_unavailable"
)

// Error is a classified error. Msg is safe to show to the user; Err holds the
// underlying cause for logs.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without an underlying cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Message returns the user-safe message of err, falling back to err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
