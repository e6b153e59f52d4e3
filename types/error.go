package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across ddrflow.
type ErrorCode string

// Query pipeline error codes
const (
	// ErrBudgetExceeded means the call could not be admitted before the
	// caller's deadline. Callers may retry later.
	ErrBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"
	// ErrThrottled is internal to the call gate and only surfaces wrapped
	// inside ErrProviderFailure once attempts are exhausted.
	ErrThrottled          ErrorCode = "THROTTLED"
	ErrProviderFailure    ErrorCode = "PROVIDER_FAILURE"
	ErrMalformedAttr      ErrorCode = "MALFORMED_ATTRIBUTE"
	ErrCancelled          ErrorCode = "CANCELLED"
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	// RetryAfter 建议的重试间隔，HTTP 层转成 Retry-After 头
	RetryAfter time.Duration `json:"-"`
	Cause      error         `json:"-"`
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

// WithRetryAfter records how long the caller should wait before retrying.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsErrorCode reports whether any *Error in err's chain carries code.
func IsErrorCode(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the outermost error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// NewBudgetExceededError is returned when admission would outlive the deadline.
func NewBudgetExceededError(message string) *Error {
	return NewError(ErrBudgetExceeded, message).WithRetryable(true)
}

// NewProviderFailureError wraps a non-recoverable provider failure.
func NewProviderFailureError(message string, cause error) *Error {
	return NewError(ErrProviderFailure, message).WithCause(cause)
}

// NewCancelledError wraps a context cancellation or deadline.
func NewCancelledError(message string, cause error) *Error {
	return NewError(ErrCancelled, message).WithCause(cause)
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return NewError(ErrInvalidRequest, message)
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return NewError(ErrNotFound, message)
}
