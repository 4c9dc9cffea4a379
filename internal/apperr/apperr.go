package apperr

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable classification of a service error.
type Kind string

const (
	// InvalidRequest marks malformed input. Never retried.
	InvalidRequest Kind = "INVALID_REQUEST"
	// NotFound marks an unknown session or segment.
	NotFound Kind = "NOT_FOUND"
	// PayloadTooLarge marks a chunk over the configured size ceiling.
	PayloadTooLarge Kind = "PAYLOAD_TOO_LARGE"
	// Conflict marks a finalize request racing an in-flight finalize.
	Conflict Kind = "CONFLICT"
	// NoChunks marks a finalize attempt on a session with no stored chunks.
	NoChunks Kind = "NO_CHUNKS"
	// IncompleteSession marks a gap in the stored chunk index sequence.
	IncompleteSession Kind = "INCOMPLETE_SESSION"
	// StorageFailure marks a chunk or manifest write error.
	StorageFailure Kind = "STORAGE_FAILURE"
	// ExternalToolFailure marks an encode engine crash or non-zero exit
	// after retries were exhausted.
	ExternalToolFailure Kind = "EXTERNAL_TOOL_FAILURE"
	// Timeout marks an external call abandoned at its deadline.
	Timeout Kind = "TIMEOUT"
	// TranscriptionFailed marks a terminal transcription collaborator failure.
	TranscriptionFailed Kind = "TRANSCRIPTION_FAILED"
)

// Error carries a Kind plus a human-readable detail string, and optionally
// wraps an underlying cause for errors.Is / errors.As.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// Error formats the classified error for logs.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a classified error with a formatted detail string.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, otherwise
// an empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
