package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Request error codes
const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrFileTooLarge      ErrorCode = "FILE_TOO_LARGE"
	ErrUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrMethodNotAllowed  ErrorCode = "METHOD_NOT_ALLOWED"
)

// Conversion error codes
const (
	ErrEngineFailure      ErrorCode = "ENGINE_FAILURE"
	ErrTimeout            ErrorCode = "TIMEOUT"
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

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
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

// Status returns the HTTP status for the error, falling back to the code mapping.
func (e *Error) Status() int {
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return StatusForCode(e.Code)
}

// StatusForCode 将错误码映射为 HTTP 状态码
func StatusForCode(code ErrorCode) int {
	switch code {
	case ErrInvalidRequest, ErrUnsupportedFormat:
		return http.StatusBadRequest
	case ErrFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrNotFound:
		return http.StatusNotFound
	case ErrMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		// 引擎失败、超时以及内部错误统一按 500 返回
		return http.StatusInternalServerError
	}
}

// AsError extracts a *Error from an error chain.
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
