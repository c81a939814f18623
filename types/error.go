package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the pipeline.
type ErrorCode string

// Request and validation error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrValidation     ErrorCode = "VALIDATION_ERROR"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
)

// Scheduling error codes
const (
	ErrStaleClaim          ErrorCode = "STALE_CLAIM"
	ErrHandlerFailed       ErrorCode = "HANDLER_FAILED"
	ErrHandlerMissing      ErrorCode = "HANDLER_MISSING"
	ErrRetriesExhausted    ErrorCode = "RETRIES_EXHAUSTED"
	ErrTimeout             ErrorCode = "TIMEOUT"
	ErrPrerequisitePending ErrorCode = "PREREQUISITE_PENDING"
)

// Infrastructure error codes
const (
	ErrQueueUnavailable   ErrorCode = "QUEUE_UNAVAILABLE"
	ErrStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"
	ErrRemoteChannel      ErrorCode = "REMOTE_CHANNEL_ERROR"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
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

// NewValidationError creates a non-retryable validation error.
// Validation failures reject work before it enters the queue.
func NewValidationError(format string, args ...any) *Error {
	return NewError(ErrValidation, fmt.Sprintf(format, args...)).
		WithHTTPStatus(http.StatusBadRequest)
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(format string, args ...any) *Error {
	return NewError(ErrNotFound, fmt.Sprintf(format, args...)).
		WithHTTPStatus(http.StatusNotFound)
}

// NewHandlerError wraps a stage handler failure. Handler failures are
// retryable until the stage retry budget runs out.
func NewHandlerError(stage string, cause error) *Error {
	return NewError(ErrHandlerFailed, stage+" handler failed").
		WithCause(cause).
		WithRetryable(true).
		WithHTTPStatus(http.StatusInternalServerError)
}

// AsError extracts a *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// Truncate bounds s to at most limit runes.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
