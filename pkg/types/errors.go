package types

import (
	"errors"
	"fmt"
)

// Error identifiers surfaced to collaborators. Callers match with errors.Is.
var (
	ErrInvalidTask       = errors.New("invalid task")
	ErrInvalidCron       = errors.New("invalid cron expression")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrCycleDetected     = errors.New("cycle detected")
	ErrNotFound          = errors.New("not found")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrBreakerOpen       = errors.New("breaker open")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// ErrorClass classifies a handler failure for the retry policy
type ErrorClass string

const (
	ErrClassValidation       ErrorClass = "ValidationError"
	ErrClassAuthentication   ErrorClass = "AuthenticationError"
	ErrClassPermissionDenied ErrorClass = "PermissionDenied"
	ErrClassResourceNotFound ErrorClass = "ResourceNotFound"
	ErrClassInvalidInput     ErrorClass = "InvalidInput"
	ErrClassTransient        ErrorClass = "TransientError"
	ErrClassTimeout          ErrorClass = "TimeoutError"
	ErrClassHandler          ErrorClass = "HandlerError"
)

// Retryable reports whether failures of this class may be retried
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrClassValidation, ErrClassAuthentication, ErrClassPermissionDenied,
		ErrClassResourceNotFound, ErrClassInvalidInput:
		return false
	default:
		return true
	}
}

// HandlerError is a classified failure surfaced by a task handler
type HandlerError struct {
	Class   ErrorClass
	Message string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// NewHandlerError builds a classified handler failure
func NewHandlerError(class ErrorClass, format string, args ...any) *HandlerError {
	return &HandlerError{Class: class, Message: fmt.Sprintf(format, args...)}
}

// ClassOf extracts the error class from err. Unclassified errors default to
// HandlerError, which is retryable.
func ClassOf(err error) ErrorClass {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Class
	}
	return ErrClassHandler
}
