// Package apperr defines the error taxonomy shared by the payment engines.
// Engines return typed errors; the HTTP layer maps them to status codes in
// one place.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	// KindValidation - bad or missing request fields, rejected with no state change
	KindValidation Kind = iota
	// KindConflict - duplicate externalId or second pending payment on a link
	KindConflict
	// KindExpired - payment/quote/activation past its expiry on a write path
	KindExpired
	// KindNotFound - unknown reference
	KindNotFound
	// KindProvider - rail gateway or pricing gateway failure
	KindProvider
	// KindSignature - adapter verification failure, always fails closed
	KindSignature
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindExpired:
		return "expired"
	case KindNotFound:
		return "not_found"
	case KindProvider:
		return "provider"
	case KindSignature:
		return "signature"
	default:
		return "unknown"
	}
}

// Error is a classified application error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Validation creates a validation error
func Validation(format string, args ...interface{}) *Error {
	return newError(KindValidation, format, args...)
}

// Conflict creates a conflict error
func Conflict(format string, args ...interface{}) *Error {
	return newError(KindConflict, format, args...)
}

// Expired creates an expiry error
func Expired(format string, args ...interface{}) *Error {
	return newError(KindExpired, format, args...)
}

// NotFound creates a not-found error
func NotFound(format string, args ...interface{}) *Error {
	return newError(KindNotFound, format, args...)
}

// Provider wraps an upstream gateway failure
func Provider(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindProvider, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Signature creates a signature verification error
func Signature(format string, args ...interface{}) *Error {
	return newError(KindSignature, format, args...)
}

// Is reports whether err is an application error of the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// HTTPStatus maps an error to the HTTP status code user-visible behavior.
func HTTPStatus(err error) int {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindExpired:
		return http.StatusGone
	case KindNotFound:
		return http.StatusNotFound
	case KindProvider:
		return http.StatusServiceUnavailable
	case KindSignature:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
