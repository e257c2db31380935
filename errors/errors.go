// Package errors provides standardized error handling for the reconciliation
// pipeline. It includes error classification, the error taxonomy shared by
// the store, gateway, and engine, and helpers for consistent wrapping.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or a remote
	// response that must not be retried
	ErrorInvalid
	// ErrorFatal represents errors that abort the current reconciliation
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for the reconciliation taxonomy
var (
	// ErrLockBusy indicates another reconciliation holds the entity lock.
	// The attempt is abandoned, not queued; callers surface a retryable
	// busy signal.
	ErrLockBusy = errors.New("entity lock busy")

	// ErrStoreUnavailable indicates the shared store could not serve the
	// write path. Fatal for the current reconciliation, no partial writes.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrRemoteTransient indicates a retryable messaging API failure
	// (network error before send, 5xx on an idempotent operation, rate limit).
	ErrRemoteTransient = errors.New("remote transient failure")

	// ErrRemotePermanent indicates a non-retryable messaging API failure
	// (4xx other than not-found). The prior reference is left untouched.
	ErrRemotePermanent = errors.New("remote permanent failure")

	// ErrAmbiguousRemote indicates a create whose outcome is unknown.
	// Never retried; the old reference is preferred over a possible
	// duplicate message.
	ErrAmbiguousRemote = errors.New("ambiguous remote result")

	// ErrAdmissionDenied indicates a caller exceeded an admission ceiling
	ErrAdmissionDenied = errors.New("admission denied")

	// ErrRecordNotFound indicates no record exists for an entity
	ErrRecordNotFound = errors.New("record not found")

	// ErrMessageNotFound indicates the remote message no longer exists
	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageUneditable indicates the remote message can no longer be
	// edited (edit budget exhausted); forces create-then-replace
	ErrMessageUneditable = errors.New("message permanently uneditable")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and may be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrLockBusy) ||
		errors.Is(err, ErrRemoteTransient) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable", "busy"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error aborts the current reconciliation
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig)
}

// IsInvalid checks if an error is due to invalid input or a permanent
// remote rejection
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrRemotePermanent) ||
		errors.Is(err, ErrAmbiguousRemote) ||
		errors.Is(err, ErrAdmissionDenied)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error.
// Internal helper - use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}
