// Package apperrors defines the typed error kinds the sidecar raises, each
// carrying the HTTP status its boundary should map it to.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind discriminates the category of a failure.
type Kind int

const (
	KindNotFound Kind = iota
	KindInvalidTransition
	KindValidation
	KindIO
	KindExternalUnavailable
	KindStoreConflict
	KindInternal
)

// Error wraps an underlying cause with a Kind and a message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// StatusCode maps the error's Kind to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindStoreConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindExternalUnavailable:
		return http.StatusBadGateway
	case KindIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...any) *Error { return newf(KindNotFound, format, args...) }

// InvalidTransition builds a KindInvalidTransition error.
func InvalidTransition(format string, args ...any) *Error {
	return newf(KindInvalidTransition, format, args...)
}

// Validation builds a KindValidation error.
func Validation(format string, args ...any) *Error { return newf(KindValidation, format, args...) }

// IO wraps a transient IO failure as KindIO.
func IO(cause error, format string, args ...any) *Error {
	e := newf(KindIO, format, args...)
	e.Cause = cause
	return e
}

// ExternalUnavailable wraps an external-collaborator failure.
func ExternalUnavailable(cause error, format string, args ...any) *Error {
	e := newf(KindExternalUnavailable, format, args...)
	e.Cause = cause
	return e
}

// StoreConflict builds a KindStoreConflict error.
func StoreConflict(format string, args ...any) *Error {
	return newf(KindStoreConflict, format, args...)
}

// Internal wraps an unclassified failure.
func Internal(cause error, format string, args ...any) *Error {
	e := newf(KindInternal, format, args...)
	e.Cause = cause
	return e
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// StatusCode extracts the HTTP status for any error, defaulting to 500.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode()
	}
	return http.StatusInternalServerError
}
