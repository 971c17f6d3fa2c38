// Package ntio holds the error vocabulary and the Data Container used by
// both the reactor and stream packages.
package ntio

import (
	"errors"
	"fmt"
)

// Code is the closed set of error kinds used throughout the core.
type Code int

const (
	// CodeOK indicates success.
	CodeOK Code = iota
	// CodeWouldBlock indicates the caller should try again after a
	// readiness event.
	CodeWouldBlock
	// CodeEOF indicates a permanent directional end-of-stream.
	CodeEOF
	// CodeCancelled indicates explicit user cancellation.
	CodeCancelled
	// CodeInvalid indicates a contract violation, or an operation not
	// applicable in the current state.
	CodeInvalid
	// CodeNotImplemented indicates the backend cannot honor a requested
	// mode (e.g. edge-triggered delivery on a level-only source).
	CodeNotImplemented
	// CodeConnectionDead indicates a probe revealed a terminal socket
	// error.
	CodeConnectionDead
	// CodeOther wraps a passed-through OS (or other) error; terminal for
	// the direction in which it arose.
	CodeOther
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeWouldBlock:
		return "would-block"
	case CodeEOF:
		return "eof"
	case CodeCancelled:
		return "cancelled"
	case CodeInvalid:
		return "invalid"
	case CodeNotImplemented:
		return "not-implemented"
	case CodeConnectionDead:
		return "connection-dead"
	case CodeOther:
		return "other"
	default:
		return "unknown"
	}
}

// Error pairs a Code with an optional wrapped cause, per §7's propagation
// rules: synchronous returns use the Code directly, asynchronous
// completions deliver a Code plus (elsewhere) bytes-progressed.
type Error struct {
	Code Code
	Err  error
}

// New constructs an Error carrying only a Code (no wrapped cause).
func New(code Code) *Error { return &Error{Code: code} }

// Wrap constructs an Error carrying a Code and an underlying cause,
// mirroring the teacher's cause-chain error style (errors.go's
// Unwrap-per-type pattern) so errors.Is/errors.As see through to the OS
// error.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return New(code)
	}
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ntio: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("ntio: %s", e.Code)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ntio.New(code)) to match any *Error with the
// same Code, regardless of wrapped cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// CodeOf extracts the Code from err, defaulting to CodeOther for any
// error that isn't an *Error.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeOther
}

// IsFatal reports whether err is fatal per §7: anything other than
// {ok, would-block, cancelled, eof}.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case CodeOK, CodeWouldBlock, CodeCancelled, CodeEOF:
		return false
	default:
		return true
	}
}
