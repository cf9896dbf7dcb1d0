// Package faults defines the stable error taxonomy surfaced by the service
// layer. Every public operation returns errors classified by Kind so the
// transport adapters (HTTP façade, WebSocket error frames) can map them to
// status codes without inspecting error strings.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	// Internal is an unhandled failure; logged with detail, opaque to callers.
	Internal Kind = iota
	// InvalidInput means the request failed validation.
	InvalidInput
	// Unauthenticated means credentials are missing or expired.
	Unauthenticated
	// PermissionDenied means an RBAC check failed.
	PermissionDenied
	// NotFound means the target entity does not exist or is not visible.
	NotFound
	// Conflict means a wrong-state transition was attempted.
	Conflict
	// RateLimited means the caller was throttled.
	RateLimited
	// DependencyFailed means a downstream system (vault, SMTP, CVE source) failed.
	DependencyFailed
	// AgentError means a managed agent reported a failure.
	AgentError
)

// String returns the wire-stable name of the kind.
func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case Unauthenticated:
		return "unauthenticated"
	case PermissionDenied:
		return "permission_denied"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case RateLimited:
		return "rate_limited"
	case DependencyFailed:
		return "dependency_failed"
	case AgentError:
		return "agent_error"
	default:
		return "internal"
	}
}

// Error is a classified error. Msg is safe to show to callers; Err carries
// the underlying cause for logs.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a caller-visible message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a classified error with a formatted caller-visible message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain. Unclassified
// errors report Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the caller-visible message for err, or a generic message
// for unclassified errors so internal detail never leaks.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Msg
	}
	return "internal error"
}
