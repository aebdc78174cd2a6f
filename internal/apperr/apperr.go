// Package apperr defines the error taxonomy shared by the exam runtime
// components. Every error that crosses a component boundary carries a Kind so
// callers can tell "try again later" apart from "this session is broken".
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	// KindUnknown is returned by KindOf for errors that carry no Kind.
	KindUnknown Kind = ""
	// ResourceExhausted means a port range is full. Retryable.
	ResourceExhausted Kind = "resource_exhausted"
	// OwnershipConflict means a runtime or terminal session exists under a
	// different user. Never auto-resolved.
	OwnershipConflict Kind = "ownership_conflict"
	// RuntimeUnavailable means container spawn, health check or liveness
	// verification failed.
	RuntimeUnavailable Kind = "runtime_unavailable"
	// IsolationViolation means a request would have let one user reach
	// another user's resources. Always denied.
	IsolationViolation Kind = "isolation_violation"
	// StateConflict means an operation was requested from an illegal
	// lifecycle state.
	StateConflict Kind = "state_conflict"
	// NotFound means the addressed record does not exist.
	NotFound Kind = "not_found"
	// Invalid means the request itself is malformed.
	Invalid Kind = "invalid"
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Op   string
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a formatted message.
func New(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. If err already carries a Kind the inner kind is kept
// unless kind is non-empty.
func Wrap(op string, kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	if kind == KindUnknown {
		kind = KindOf(err)
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the Kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind != KindUnknown {
			return e.Kind
		}
		return KindOf(e.Err)
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the caller may retry the same request later.
// Only exhaustion is retryable; runtime and isolation failures mean the
// session is broken.
func Retryable(err error) bool {
	return Is(err, ResourceExhausted)
}

// HTTPStatus maps a Kind to the status the HTTP boundary should present.
// Isolation failures present as forbidden, never as a fallback.
func HTTPStatus(kind Kind) int {
	switch kind {
	case ResourceExhausted:
		return http.StatusTooManyRequests
	case OwnershipConflict, StateConflict:
		return http.StatusConflict
	case RuntimeUnavailable:
		return http.StatusServiceUnavailable
	case IsolationViolation:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Invalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
