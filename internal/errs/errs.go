// Package errs classifies failures so callers can decide between failing a
// request, skipping an item, or logging a warning.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind string

const (
	// KindConfig covers missing or invalid scope, bad source locations and an
	// unreachable metadata store. Never retried.
	KindConfig Kind = "config"

	// KindTransient covers network timeouts and 5xx responses from embedding,
	// storage or fetch endpoints.
	KindTransient Kind = "transient"

	// KindContent covers unparseable, empty or binary inputs. Skipped and counted.
	KindContent Kind = "content"

	// KindConsistency covers ledger/vector-store drift, e.g. a missing
	// collection mapping during a point-count update.
	KindConsistency Kind = "consistency"
)

// Error wraps a cause with its Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Config creates a configuration error.
func Config(message string, cause error) *Error {
	return New(KindConfig, message, cause)
}

// Transient creates a transient I/O error.
func Transient(message string, cause error) *Error {
	return New(KindTransient, message, cause)
}

// Content creates a content error.
func Content(message string, cause error) *Error {
	return New(KindContent, message, cause)
}

// Consistency creates a consistency error.
func Consistency(message string, cause error) *Error {
	return New(KindConsistency, message, cause)
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsCancellation reports whether err is a cancellation rather than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
