// Package errors provides structured error handling for poolcore.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind categorizes an error for logging and retry decisions.
type Kind string

const (
	// KindNetwork covers transport-level failures.
	KindNetwork Kind = "network"
	// KindValidation covers malformed or rejected input.
	KindValidation Kind = "validation"
	// KindDatabase covers Postgres/Redis/Influx failures.
	KindDatabase Kind = "database"
	// KindDaemon covers coin daemon RPC failures.
	KindDaemon Kind = "daemon"
	// KindKafka covers message broker failures.
	KindKafka Kind = "kafka"
	// KindTimeout covers deadline expirations.
	KindTimeout Kind = "timeout"
	// KindInternal covers programming errors and everything unclassified.
	KindInternal Kind = "internal"
)

// Error is a structured error carrying the failing operation and any
// context fields attached at the call site.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Cause     error
	Fields    map[string]any
	Timestamp time.Time
	Retryable bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failed operation may be retried.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// WithField attaches a context field and returns the error for chaining.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// New creates an Error with retryability derived from its kind.
func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableKind(kind),
	}
}

// Wrap wraps err, preserving retryability when err is already an Error.
// Returns nil when err is nil.
func Wrap(err error, kind Kind, op, message string) *Error {
	if err == nil {
		return nil
	}

	wrapped := &Error{
		Kind:      kind,
		Op:        op,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
	}

	var inner *Error
	if errors.As(err, &inner) {
		wrapped.Retryable = inner.Retryable
	} else {
		wrapped.Retryable = retryableCause(err)
	}
	return wrapped
}

func retryableKind(kind Kind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindKafka:
		return true
	default:
		return false
	}
}

// retryableCause classifies plain errors by message. Context
// cancellation is never retried.
func retryableCause(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"network unreachable",
		"timeout",
		"temporary failure",
		"too many connections",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsKind reports whether err, or anything it wraps, is an Error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether err should be retried. Plain errors fall
// back to message-based classification.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	return retryableCause(err)
}

// FieldsOf returns the context fields of err, or nil for plain errors.
func FieldsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}
