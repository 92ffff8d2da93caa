// Package errors provides the classified error types used across the engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies the class of an engine error.
type Kind string

// Error kinds as constants
const (
	KindAuthDenied           Kind = "auth_denied"
	KindNotFound             Kind = "not_found"
	KindInvalidArgument      Kind = "invalid_argument"
	KindQuotaExceeded        Kind = "quota_exceeded"
	KindContainerUnavailable Kind = "container_unavailable"
	KindExecutionFailed      Kind = "execution_failed"
	KindAborted              Kind = "aborted"
	KindTimeout              Kind = "timeout"
	KindBackpressureDrop     Kind = "backpressure_drop"
	KindInternal             Kind = "internal"
)

// EngineError is an error carrying a kind, an optional wrapped cause, and a
// transient flag. Transient errors may be retried by the layer that owns the
// operation; permanent errors must not be.
type EngineError struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Transient bool   `json:"-"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// AuthDenied creates a new auth denied error.
func AuthDenied(message string) *EngineError {
	return &EngineError{Kind: KindAuthDenied, Message: message}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource, id string) *EngineError {
	return &EngineError{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s with id %q not found", resource, id),
	}
}

// InvalidArgument creates a new invalid argument error.
func InvalidArgument(message string) *EngineError {
	return &EngineError{Kind: KindInvalidArgument, Message: message}
}

// QuotaExceeded creates a new quota exceeded error.
func QuotaExceeded(message string) *EngineError {
	return &EngineError{Kind: KindQuotaExceeded, Message: message}
}

// ContainerUnavailable creates a permanent container unavailable error with a
// wrapped underlying error.
func ContainerUnavailable(message string, err error) *EngineError {
	return &EngineError{Kind: KindContainerUnavailable, Message: message, Err: err}
}

// ContainerUnavailableTransient creates a transient container unavailable
// error. The pool retries these once before giving up.
func ContainerUnavailableTransient(message string, err error) *EngineError {
	return &EngineError{Kind: KindContainerUnavailable, Message: message, Transient: true, Err: err}
}

// ExecutionFailed creates a new execution failed error.
func ExecutionFailed(message string, err error) *EngineError {
	return &EngineError{Kind: KindExecutionFailed, Message: message, Err: err}
}

// Aborted creates a new aborted error.
func Aborted(message string) *EngineError {
	return &EngineError{Kind: KindAborted, Message: message}
}

// Timeout creates a new timeout error.
func Timeout(message string) *EngineError {
	return &EngineError{Kind: KindTimeout, Message: message, Transient: true}
}

// Internal creates a new internal error with a wrapped underlying error.
func Internal(message string, err error) *EngineError {
	return &EngineError{Kind: KindInternal, Message: message, Err: err}
}

// Wrap wraps an existing error with additional context, returning an
// EngineError. If the error is already an EngineError its kind and transient
// flag are preserved.
func Wrap(err error, message string) *EngineError {
	if err == nil {
		return nil
	}

	var engErr *EngineError
	if errors.As(err, &engErr) {
		return &EngineError{
			Kind:      engErr.Kind,
			Message:   fmt.Sprintf("%s: %s", message, engErr.Message),
			Transient: engErr.Transient,
			Err:       err,
		}
	}

	return &EngineError{
		Kind:    KindInternal,
		Message: message,
		Err:     err,
	}
}

// KindOf returns the kind of an error, or KindInternal for unclassified
// errors.
func KindOf(err error) Kind {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Kind
	}
	return KindInternal
}

// IsKind checks whether the error carries the given kind.
func IsKind(err error, kind Kind) bool {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Kind == kind
	}
	return false
}

// IsTransient reports whether the error is safe to retry.
func IsTransient(err error) bool {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Transient
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsAborted checks if the error is an aborted error.
func IsAborted(err error) bool {
	return IsKind(err, KindAborted)
}
