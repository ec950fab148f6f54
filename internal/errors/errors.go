package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the structured error type used across the engine.
type Error struct {
	// Kind is the failure classification.
	Kind Kind

	// Message is the human-readable error message. For ingestion failures this
	// is what gets persisted onto the document row.
	Message string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error, if any.
	Cause error

	// Retryable indicates whether the operation can be retried with backoff.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by Kind, enabling errors.Is(err, &Error{Kind: KindConflict}).
func (e *Error) Is(target error) bool {
	var t *Error
	if stderrors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a key-value detail to the error. Returns the error for
// method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given kind and message. The retryable flag
// is derived from the kind.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: retryableKinds[kind],
	}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an Error from an existing error, preserving it as the cause.
// Returns nil if err is nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:      kind,
		Message:   message,
		Cause:     err,
		Retryable: retryableKinds[kind],
	}
}

// KindOf extracts the kind from an error chain. Returns KindInternal for
// errors that are not engine errors.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether the error is safe to retry with backoff.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}
