package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the HTTP layer.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindInvalidCredential   Kind = "invalid_credential"
	KindMalformedCredential Kind = "malformed_credential"
	KindConflict            Kind = "conflict"
	KindInvalidRequest      Kind = "invalid_request"
	KindTransient           Kind = "transient"
	KindFatal               Kind = "fatal"
)

// Error is the typed error returned by token, policy, vault and plugin code.
// Message is safe to show to callers; Err carries the internal cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrUnauthorized) works
// regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidCredential   = &Error{Kind: KindInvalidCredential}
	ErrMalformedCredential = &Error{Kind: KindMalformedCredential}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
	ErrTransient           = &Error{Kind: KindTransient}
	ErrFatal               = &Error{Kind: KindFatal}
)

// UnauthorizedMessage is returned for every token or session failure so callers
// cannot tell an unknown token id apart from a bad signature.
const UnauthorizedMessage = "Invalid or expired token"

func Unauthorized(cause error) error {
	return &Error{Kind: KindUnauthorized, Message: UnauthorizedMessage, Err: cause}
}

func Forbidden(msg string) error {
	return &Error{Kind: KindForbidden, Message: msg}
}

func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func InvalidCredential(msg string, cause error) error {
	return &Error{Kind: KindInvalidCredential, Message: msg, Err: cause}
}

func MalformedCredential(msg string, cause error) error {
	return &Error{Kind: KindMalformedCredential, Message: msg, Err: cause}
}

func Conflict(msg string) error {
	return &Error{Kind: KindConflict, Message: msg}
}

// InvalidRequest rejects a malformed request body or parameter.
func InvalidRequest(msg string, cause error) error {
	return &Error{Kind: KindInvalidRequest, Message: msg, Err: cause}
}

func Transient(msg string, cause error) error {
	return &Error{Kind: KindTransient, Message: msg, Err: cause}
}

func Fatal(msg string, cause error) error {
	return &Error{Kind: KindFatal, Message: msg, Err: cause}
}

// KindOf returns the kind of the first *Error in the chain, or KindFatal for
// untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsFatal reports whether err carries an *Error of kind Fatal. Untyped
// errors are not Fatal here even though KindOf maps them to Fatal.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindFatal
}

// MessageOf returns the caller-safe message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindFatal && e.Message != "" {
		return e.Message
	}
	return "Internal server error"
}

// HTTPStatus maps an error to its response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidCredential, KindMalformedCredential, KindInvalidRequest:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
