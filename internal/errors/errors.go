// Package errors provides structured application errors with a stable
// type taxonomy and HTTP status mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies an AppError.
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeNetwork      ErrorType = "network"
	ErrorTypeProtocol     ErrorType = "protocol"
	ErrorTypeAccessDenied ErrorType = "access_denied"
	ErrorTypeAPI          ErrorType = "api"
	ErrorTypeDatabase     ErrorType = "database"
	ErrorTypeInternal     ErrorType = "internal"
)

// statusCodes maps error types to the HTTP status reported on the wire.
var statusCodes = map[ErrorType]int{
	ErrorTypeValidation:   http.StatusBadRequest,
	ErrorTypeConflict:     http.StatusConflict,
	ErrorTypeNetwork:      http.StatusBadGateway,
	ErrorTypeProtocol:     http.StatusBadGateway,
	ErrorTypeAccessDenied: http.StatusForbidden,
	ErrorTypeAPI:          http.StatusBadGateway,
	ErrorTypeDatabase:     http.StatusInternalServerError,
	ErrorTypeInternal:     http.StatusInternalServerError,
}

// AppError is the error value used across the service.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	Cause      error
	StatusCode int
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails attaches extra context to the error. Modifies in place.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted extra context to the error.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// New creates an AppError of the given type.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: StatusCode(t),
	}
}

// Newf creates an AppError with a formatted message.
func Newf(t ErrorType, format string, args ...interface{}) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap creates an AppError wrapping cause.
func Wrap(cause error, t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		Cause:      cause,
		StatusCode: StatusCode(t),
	}
}

// Wrapf creates an AppError wrapping cause with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// StatusCode returns the HTTP status associated with an error type.
func StatusCode(t ErrorType) int {
	if code, ok := statusCodes[t]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// TypeOf returns the ErrorType of err, or ErrorTypeInternal when err is
// not an AppError.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsType reports whether err is an AppError of type t.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// As is a convenience wrapper around errors.As for *AppError.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
