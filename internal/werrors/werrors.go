// Package werrors provides the structured error type used across the
// pipeline: a failure kind plus retryability, so stage runners can apply
// the transition policy without string matching.
package werrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kinds are stable identifiers persisted into
// source/document diagnostics.
type Kind string

const (
	// Gateway failures.
	KindBlockedURL      Kind = "blocked_url"
	KindDNSFailure      Kind = "dns_failure"
	KindTransport       Kind = "transport_error"
	KindStatus4xx       Kind = "status_4xx"
	KindStatus5xx       Kind = "status_5xx"
	KindTimeout         Kind = "timeout"
	KindOversize        Kind = "oversize"
	KindContentMismatch Kind = "content_mismatch"

	// Pipeline failures.
	KindParseFailure    Kind = "parse_failure"
	KindExtractFailure  Kind = "extract_failure"
	KindBudgetExhausted Kind = "llm_budget_exhausted"
	KindStorage         Kind = "storage"
	KindDatabase        Kind = "database"
	KindInternal        Kind = "internal"
)

// Error is a classified error with retry semantics.
type Error struct {
	Kind      Kind
	Message   string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a permanent error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a permanent error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a permanent error wrapping a cause.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

// Retryable creates a transient error of the given kind.
func Retryable(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: true}
}

// WrapRetryable creates a transient error wrapping a cause.
func WrapRetryable(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err, Retryable: true}
}

// IsRetryable reports whether err (or anything it wraps) is a transient
// watchdog error. Unclassified errors are treated as permanent.
func IsRetryable(err error) bool {
	var we *Error
	if errors.As(err, &we) {
		return we.Retryable
	}
	return false
}

// KindOf returns the failure kind of err, or KindInternal for
// unclassified errors.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindInternal
}
