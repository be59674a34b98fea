// Package apperr is the cross-component error representation: a small
// sum-of-variants Kind plus a human-readable message. HTTP status mapping
// happens only at the transport boundary (internal/api), never here.
package apperr

import "fmt"

// Kind enumerates the error variants the Dispatcher and its dependencies can
// report (spec.md §7). These are stable identifiers, not Go type names.
type Kind string

const (
	KindInvalidArgument     Kind = "invalid_argument"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindRangeNotSatisfiable Kind = "range_not_satisfiable"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindKVUnavailable       Kind = "kv_unavailable"
	KindDBUnavailable       Kind = "db_unavailable"
	KindInternal            Kind = "internal"
)

// Error is the error type every Dispatcher operation returns. Message is
// always safe to surface to a caller: no stack traces, paths, or secrets.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs an *Error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err (or any error it wraps) is an *Error of the given
// Kind.
func Is(err error, kind Kind) bool {
	ae, ok := err.(*Error)
	return ok && ae.Kind == kind
}
