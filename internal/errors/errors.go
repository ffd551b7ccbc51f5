// Package errors provides the error taxonomy shared by the field collection core.
// Collaborator adapters translate their failures into these codes so callers can
// decide between retrying, re-authenticating or simply warning the operator.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the collection service.
type ErrorCode string

const (
	// Dataset and input errors
	VALIDATION  ErrorCode = "VALIDATION"  // Malformed dataset; fatal at startup
	BAD_REQUEST ErrorCode = "BAD_REQUEST" // Malformed request to the service
	NOT_FOUND   ErrorCode = "NOT_FOUND"   // Unknown property or resource

	// Ledger errors
	UNKNOWN_ID ErrorCode = "UNKNOWN_ID" // Ledger add for an id outside the dataset

	// Collaborator errors
	TRANSPORT       ErrorCode = "TRANSPORT"       // Listing/upload network failure
	AUTH_EXPIRED    ErrorCode = "AUTH_EXPIRED"    // Credential rejected as expired
	AUTH_REQUIRED   ErrorCode = "AUTH_REQUIRED"   // No credential could be obtained
	GPS_UNAVAILABLE ErrorCode = "GPS_UNAVAILABLE" // No fix within the timeout
	STORAGE_IO      ErrorCode = "STORAGE_IO"      // Persistence read/write failure

	// Workflow errors
	BUSY          ErrorCode = "BUSY"          // An upload is already in flight
	INVALID_STATE ErrorCode = "INVALID_STATE" // Action not allowed in the current state

	// Server errors
	INTERNAL ErrorCode = "INTERNAL"
)

// Error represents a categorized failure.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
	Err           error       `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatusCodeForCode(code),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, details interface{}) *Error {
	e := New(code, message)
	e.Details = details
	return e
}

// Wrap creates a new Error that carries err as its cause.
func Wrap(code ErrorCode, message string, err error) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

// WithCorrelation returns a copy of e stamped with a correlation id.
func (e *Error) WithCorrelation(correlationID string) *Error {
	c := *e
	c.CorrelationID = correlationID
	return &c
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != nil {
		msg = fmt.Sprintf("%s (details: %v)", msg, e.Details)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, errors.New(errors.BUSY, "")) matches any BUSY failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or INTERNAL.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return INTERNAL
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !stderrors.As(err, &e) {
		return false
	}
	for cur := error(e); cur != nil; cur = stderrors.Unwrap(cur) {
		if ce, ok := cur.(*Error); ok && ce.Code == code {
			return true
		}
	}
	return false
}

// As converts err into an *Error, wrapping unknown errors as INTERNAL.
func As(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(INTERNAL, "internal error", err)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case VALIDATION, BAD_REQUEST, UNKNOWN_ID:
		return http.StatusBadRequest
	case NOT_FOUND:
		return http.StatusNotFound
	case AUTH_EXPIRED, AUTH_REQUIRED:
		return http.StatusUnauthorized
	case BUSY, INVALID_STATE:
		return http.StatusConflict
	case TRANSPORT:
		return http.StatusBadGateway
	case GPS_UNAVAILABLE, STORAGE_IO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
