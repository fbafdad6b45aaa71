package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the stable classification shared by every adapter. Callers
// branch on the kind, never on provider-specific payloads.
type ErrorKind string

const (
	ErrKindConfiguration ErrorKind = "configuration_error"
	ErrKindAuth          ErrorKind = "auth_error"
	ErrKindRateLimited   ErrorKind = "rate_limited"
	ErrKindTimeout       ErrorKind = "timeout"
	ErrKindUnavailable   ErrorKind = "unavailable"
	ErrKindMalformed     ErrorKind = "malformed_response"
	ErrKindUnsupported   ErrorKind = "unsupported_operation"
	ErrKindNotFound      ErrorKind = "not_found"
	ErrKindValidation    ErrorKind = "validation_error"
)

// Error is the provider-agnostic error container. Raw backend errors never
// cross an adapter boundary except wrapped as Cause.
type Error struct {
	Provider Kind
	Kind     ErrorKind

	// HTTPStatus is the upstream status code, when the failure was an HTTP
	// error response.
	HTTPStatus int

	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Provider != "" {
		return fmt.Sprintf("provider %s: %s", e.Provider, msg)
	}
	return fmt.Sprintf("provider: %s", msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// AsError unwraps err into a *Error when possible.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies an arbitrary error, defaulting to unavailable for
// anything an adapter failed to translate.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ErrKindUnavailable
}

// Errorf builds a classified error with a formatted message.
func Errorf(p Kind, kind ErrorKind, format string, args ...any) *Error {
	return &Error{Provider: p, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// statusKind maps an upstream HTTP status into the shared taxonomy.
func statusKind(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrKindAuth
	case status == http.StatusTooManyRequests:
		return ErrKindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrKindTimeout
	case status == http.StatusNotFound:
		return ErrKindNotFound
	case status >= 400 && status < 500:
		return ErrKindValidation
	default:
		return ErrKindUnavailable
	}
}

// httpError classifies an HTTP error response from a backend.
func httpError(p Kind, status int, detail string) *Error {
	msg := detail
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{
		Provider:   p,
		Kind:       statusKind(status),
		HTTPStatus: status,
		Message:    fmt.Sprintf("http %d: %s", status, msg),
	}
}

// transportError classifies a failure to reach a backend at all: context
// expiry becomes timeout, everything else unavailable.
func transportError(p Kind, err error) *Error {
	kind := ErrKindUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = ErrKindTimeout
	}
	return &Error{Provider: p, Kind: kind, Message: "request failed", Cause: err}
}
