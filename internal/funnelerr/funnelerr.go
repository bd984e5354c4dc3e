// Package funnelerr declares the error taxonomy of spec §7 as sentinel-
// wrapped types, so the Request Dispatcher can map any error returned by a
// lower layer to a structured JSON-RPC error object without a type-switch
// explosion across every call site.
package funnelerr

import (
	"errors"
	"fmt"
)

// Kind is one of the six error classes of spec §7.
type Kind string

const (
	// Transport: connect failed, closed mid-flight, timeout, invalid URL.
	// Recoverable via reconnection where applicable.
	Transport Kind = "transport"
	// Protocol: malformed frame, unknown response ID, protocol-level error
	// response. Logged and propagated to the awaiter; the channel itself
	// is retained unless the peer closed it.
	Protocol Kind = "protocol"
	// TargetNotFound: unknown session, unknown tool, unknown server.
	TargetNotFound Kind = "target_not_found"
	// StateViolation: reconnect-while-connected, disconnect-while-
	// disconnected, inspect-while-not-paused.
	StateViolation Kind = "state_violation"
	// Capacity: breakpoint not resolvable, source map too large, pause
	// timeout exceeded. Logged at warn; caller gets a best-effort result.
	Capacity Kind = "capacity"
	// Fatal: child process cannot be spawned, inspector URL cannot be
	// obtained. Propagated from createSession; session ends terminated.
	Fatal Kind = "fatal"
)

// Error wraps an underlying cause with a Kind and the name of the
// component/identifier it concerns, so dispatcher-level formatting doesn't
// need to re-derive context from the message string.
type Error struct {
	Kind    Kind
	Subject string // server name, session ID, tool name — whatever identifies the target
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Subject != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s (%s): %s: %v", e.Message, e.Subject, e.Kind, e.Cause)
		}
		return fmt.Sprintf("%s (%s): %s", e.Message, e.Subject, e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Message, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, funnelerr.ErrTransport) style checks: it
// reports true when target is one of the kindSentinel values below and
// names the same Kind as e.
func (e *Error) Is(target error) bool {
	ks, ok := target.(kindSentinel)
	return ok && e.Kind == Kind(ks)
}

type kindSentinel Kind

func (k kindSentinel) Error() string { return string(k) }

// sentinels let callers write errors.Is(err, funnelerr.ErrTransport).
var (
	ErrTransport      = kindSentinel(Transport)
	ErrProtocol       = kindSentinel(Protocol)
	ErrTargetNotFound = kindSentinel(TargetNotFound)
	ErrStateViolation = kindSentinel(StateViolation)
	ErrCapacity       = kindSentinel(Capacity)
	ErrFatal          = kindSentinel(Fatal)
)

// New constructs an *Error of the given kind.
func New(kind Kind, subject, message string) *Error {
	return &Error{Kind: kind, Subject: subject, Message: message}
}

// Wrap constructs an *Error of the given kind around an existing cause.
func Wrap(kind Kind, subject, message string, cause error) *Error {
	return &Error{Kind: kind, Subject: subject, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error; otherwise returns Fatal, since an un-classified error escaping to
// the dispatcher boundary is itself a bug that must not propagate as a
// panic.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Fatal
}
