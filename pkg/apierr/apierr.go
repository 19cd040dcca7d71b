// Package apierr defines the gateway's error taxonomy. Message is always safe
// to return to a caller; Cause carries internal detail for logs only.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for handling and for the HTTP status it maps to.
type Code string

const (
	CodeAuthFailure       Code = "AUTH_FAILURE"
	CodeValidationFailure Code = "VALIDATION_FAILURE"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeBudgetExceeded    Code = "BUDGET_EXCEEDED"
	CodeUpstreamError     Code = "UPSTREAM_ERROR"
	CodeTransportFailure  Code = "TRANSPORT_FAILURE"
	CodeInternal          Code = "INTERNAL_ERROR"
	// CodeSyncTransient is retried inside the sync engine and never surfaces.
	CodeSyncTransient Code = "SYNC_TRANSIENT"
	CodeSyncFatal     Code = "SYNC_FATAL"
)

// Error is a classified error.
type Error struct {
	Code    Code
	Message string
	Cause   error
	// Status overrides the default HTTP status for the code when non-zero.
	Status int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is and errors.As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the response status for the error.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Code {
	case CodeAuthFailure:
		return http.StatusUnauthorized
	case CodeValidationFailure:
		return http.StatusBadRequest
	case CodeRateLimited, CodeBudgetExceeded:
		return http.StatusTooManyRequests
	case CodeUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error with the given code and message around cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
