package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Startup errors
	ErrCodeConfigLoad ErrorCode = "CONFIG_LOAD_FAILED"

	// Policy rejections
	ErrCodeAccessDenied ErrorCode = "ACCESS_DENIED"
	ErrCodeAuthFailed   ErrorCode = "AUTHENTICATION_FAILED"

	// Origin errors
	ErrCodeOriginUnavailable ErrorCode = "ORIGIN_UNAVAILABLE"
	ErrCodeOriginError       ErrorCode = "ORIGIN_ERROR_STATUS"
	ErrCodeMirrorsExhausted  ErrorCode = "MIRRORS_EXHAUSTED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// EdgeError represents a structured error with context
type EdgeError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Cause     error     `json:"-"`
}

// Error implements the error interface
func (e *EdgeError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("[%s][%s] %s: %s", e.RequestID, e.Code, e.Component, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *EdgeError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *EdgeError) Is(target error) bool {
	if t, ok := target.(*EdgeError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithRequestID adds a request ID to the error
func (e *EdgeError) WithRequestID(requestID string) *EdgeError {
	e.RequestID = requestID
	return e
}

// New creates a new EdgeError
func New(code ErrorCode, component, message string) *EdgeError {
	return &EdgeError{
		Code:      code,
		Message:   message,
		Component: component,
		Timestamp: time.Now(),
	}
}

// Wrap creates a new EdgeError wrapping a cause
func Wrap(err error, code ErrorCode, component, message string) *EdgeError {
	return &EdgeError{
		Code:      code,
		Message:   message,
		Component: component,
		Timestamp: time.Now(),
		Cause:     err,
	}
}

// NewConfigLoadError creates a configuration loading error
func NewConfigLoadError(message string, cause error) *EdgeError {
	return Wrap(cause, ErrCodeConfigLoad, "config", message)
}

// NewMirrorsExhaustedError creates an error for a fully failed chain
func NewMirrorsExhaustedError(attempts int) *EdgeError {
	return New(ErrCodeMirrorsExhausted, "failover",
		fmt.Sprintf("all %d mirrors failed", attempts))
}

// IsCode reports whether err carries the given error code
func IsCode(err error, code ErrorCode) bool {
	var ee *EdgeError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}
