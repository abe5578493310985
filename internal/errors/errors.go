package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeNotFound      ErrorType = "NOT_FOUND"
	ErrorTypeNoSuchVersion ErrorType = "NO_SUCH_VERSION"
	ErrorTypeDeleted       ErrorType = "DELETED"
	ErrorTypeNonMonotonic  ErrorType = "NON_MONOTONIC_TIMESTAMP"
	ErrorTypeIOFailure     ErrorType = "IO_FAILURE"
	ErrorTypeInconsistent  ErrorType = "INCONSISTENT"
	ErrorTypeValidation    ErrorType = "VALIDATION"
	ErrorTypeInternal      ErrorType = "INTERNAL"
	ErrorTypeUnauthorized  ErrorType = "UNAUTHORIZED"
)

// Error is the error value surfaced by the store, ledger and restore engine.
// Two errors match under errors.Is when their types are equal, so callers can
// test against the sentinels below regardless of message or wrapping.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

var (
	ErrNotFound      = &Error{Type: ErrorTypeNotFound, Message: "content not found", Code: http.StatusNotFound}
	ErrNoSuchVersion = &Error{Type: ErrorTypeNoSuchVersion, Message: "no such version", Code: http.StatusNotFound}
	ErrDeleted       = &Error{Type: ErrorTypeDeleted, Message: "file deleted", Code: http.StatusGone}
	ErrNonMonotonic  = &Error{Type: ErrorTypeNonMonotonic, Message: "non-monotonic timestamp", Code: http.StatusConflict}
	ErrIOFailure     = &Error{Type: ErrorTypeIOFailure, Message: "storage i/o failure", Code: http.StatusInternalServerError}
	ErrInconsistent  = &Error{Type: ErrorTypeInconsistent, Message: "store inconsistent", Code: http.StatusInternalServerError}
)

func codeFor(t ErrorType) int {
	switch t {
	case ErrorTypeNotFound, ErrorTypeNoSuchVersion:
		return http.StatusNotFound
	case ErrorTypeDeleted:
		return http.StatusGone
	case ErrorTypeNonMonotonic:
		return http.StatusConflict
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, err error) *Error {
	return &Error{Type: t, Message: message, Code: codeFor(t), Err: err}
}

func NotFound(message string) *Error {
	return newError(ErrorTypeNotFound, message, nil)
}

func NoSuchVersion(message string) *Error {
	return newError(ErrorTypeNoSuchVersion, message, nil)
}

func Deleted(message string) *Error {
	return newError(ErrorTypeDeleted, message, nil)
}

func NonMonotonic(message string) *Error {
	return newError(ErrorTypeNonMonotonic, message, nil)
}

// IOFailure wraps an underlying storage error.
func IOFailure(message string, err error) *Error {
	return newError(ErrorTypeIOFailure, message, err)
}

func Inconsistent(message string, err error) *Error {
	return newError(ErrorTypeInconsistent, message, err)
}

func ValidationError(message string, details any) *Error {
	e := newError(ErrorTypeValidation, message, nil)
	e.Details = details
	return e
}

func Unauthorized(message string) *Error {
	return newError(ErrorTypeUnauthorized, message, nil)
}

// TypeOf reports the ErrorType of the first *Error in err's chain, or
// ErrorTypeInternal if there is none.
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// StatusCode maps err to an HTTP status.
func StatusCode(err error) int {
	var e *Error
	if stderrors.As(err, &e) {
		if e.Code != 0 {
			return e.Code
		}
		return codeFor(e.Type)
	}
	return http.StatusInternalServerError
}
