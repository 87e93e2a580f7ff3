// Package attperr defines the typed error taxonomy carried over ATTP ERR
// frames (spec §6, §7).
package attperr

import "fmt"

// Error is the typed protocol-level error ATTP replies with over an ERR
// frame. It satisfies the standard error interface so handlers and
// internal components can return it directly.
type Error struct {
	// Code uses HTTP-like numeric semantics: 401 auth failure, 404 route
	// unknown, 405 wrong method, 422 validation, 500 internal.
	Code int `msgpack:"code"`

	// Message is a short human-readable summary.
	Message string `msgpack:"message,omitempty"`

	// Detail carries structured context (field errors, stack traces, …).
	Detail any `msgpack:"detail,omitempty"`

	// Retryable indicates whether the caller may retry the same request.
	Retryable bool `msgpack:"retryable,omitempty"`

	// Fatal indicates the session must be closed after this error is sent.
	Fatal bool `msgpack:"fatal,omitempty"`

	// TraceID optionally correlates this error with external tracing.
	TraceID string `msgpack:"trace_id,omitempty"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("attp: code=%d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("attp: code=%d", e.Code)
}

// New builds an Error with the given code and message.
func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Unauthorized is the standard 401 reply for failed authentication.
func Unauthorized(reason string) *Error {
	return &Error{Code: 401, Message: "authentication failed", Detail: map[string]any{"reason": reason}}
}

// RouteNotFound is the standard 404 reply for an unknown route id.
func RouteNotFound(routeID uint64) *Error {
	return &Error{Code: 404, Message: "route not found", Detail: map[string]any{"route_id": routeID}, Retryable: false}
}

// WrongMethod is the standard 405 reply when a CALL hits a non-message
// route, or an unsupported command type reaches a correlated route.
func WrongMethod(allow string) *Error {
	return &Error{Code: 405, Message: "wrong attp command for route type", Detail: map[string]any{"allow": allow}, Retryable: false}
}

// Validation is the standard 422 reply for payload/argument validation
// failures.
func Validation(detail any) *Error {
	return &Error{Code: 422, Message: "validation error", Detail: detail, Retryable: false}
}

// Internal is the standard 500 reply for unhandled handler panics/errors.
func Internal(detail any) *Error {
	return &Error{Code: 500, Message: "internal server error", Detail: detail}
}

// Protocol is a fatal 400 reply for handshake/manifest violations.
func Protocol(message string) *Error {
	return &Error{Code: 400, Message: message, Fatal: true}
}

// AsError extracts an *Error from err, wrapping it as a 500 if err is not
// already typed.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return Internal(err.Error())
}
