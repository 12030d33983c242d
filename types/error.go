package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the orchestrator.
type ErrorCode string

// Request-level error codes, rejected synchronously.
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrAgentNotFound  ErrorCode = "AGENT_NOT_FOUND"
	ErrRunNotFound    ErrorCode = "RUN_NOT_FOUND"
	ErrAgentBusy      ErrorCode = "AGENT_BUSY"
	ErrQueueFull      ErrorCode = "QUEUE_FULL"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
)

// Provisioning error codes. All of them fail the run without a workload
// process ever having started.
const (
	ErrResourceExhausted  ErrorCode = "RESOURCE_EXHAUSTED"
	ErrRuntimeUnavailable ErrorCode = "RUNTIME_UNAVAILABLE"
	ErrSetupFailed        ErrorCode = "SETUP_FAILED"
)

// Infrastructure error codes.
const (
	ErrSandboxError     ErrorCode = "SANDBOX_ERROR"
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewNotFoundError creates an AGENT_NOT_FOUND style error for a resource.
func NewNotFoundError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: 404}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the error code from an error, or "" when it carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
