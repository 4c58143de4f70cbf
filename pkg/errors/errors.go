package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	// ErrorTypeSkip marks work that was deliberately not attempted
	ErrorTypeSkip ErrorType = "skip"
	// ErrorTypeStructural marks failures that retrying cannot fix
	ErrorTypeStructural ErrorType = "structural"
	ErrorTypeTransient  ErrorType = "transient"
	ErrorTypeSession    ErrorType = "session"
	ErrorTypeFatal      ErrorType = "fatal"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeStorage    ErrorType = "storage"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeUnknown    ErrorType = "unknown"
)

// Error is an error with type information and an optional machine-readable
// reason such as "user_not_found".
type Error struct {
	Type    ErrorType
	Message string
	Reason  string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a typed error
func New(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

// Wrap attaches a type to an existing error
func Wrap(t ErrorType, err error, message string) *Error {
	return &Error{Type: t, Message: message, Cause: err}
}

// Structural reports a failure reason that must not be retried
func Structural(reason string) *Error {
	return &Error{Type: ErrorTypeStructural, Message: reason, Reason: reason}
}

// Transient wraps an adapter error that may succeed on retry
func Transient(err error) *Error {
	return &Error{Type: ErrorTypeTransient, Message: "automation action failed", Cause: err}
}

// Fatal wraps a setup failure that should end the process
func Fatal(err error, message string) *Error {
	return &Error{Type: ErrorTypeFatal, Message: message, Cause: err}
}

// TypeOf returns the type of the first *Error in err's chain
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// ReasonOf returns the reason carried by err, or its message when none is set
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransient, ErrorTypeNetwork, ErrorTypeUnknown:
		return true
	case ErrorTypeStructural, ErrorTypeSession, ErrorTypeSkip, ErrorTypeFatal, ErrorTypeConfig, ErrorTypeNotFound:
		return false
	default:
		return false
	}
}

// IsFatal reports whether err should abort the run
func IsFatal(err error) bool {
	t := TypeOf(err)
	return t == ErrorTypeFatal || t == ErrorTypeConfig
}

// IsRetryableStatusCode checks if an HTTP status code indicates a retryable error
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0, 429:
		return true
	case 400, 401, 403, 404, 422:
		return false
	default:
		return statusCode >= 500
	}
}
