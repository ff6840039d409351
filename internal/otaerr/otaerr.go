// Package otaerr classifies failures of the update subsystem so callers can
// tell a bad network from a bad image without parsing messages.
package otaerr

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an update-subsystem error.
type Kind int

const (
	// Unknown is the zero Kind, used for errors that were never classified.
	Unknown Kind = iota
	// Network covers connect, TLS, timeout and rate-limit failures.
	Network
	// Protocol covers bad statuses, bad redirects and malformed payloads.
	Protocol
	// Resource covers memory, partition and size pre-flight failures.
	Resource
	// Integrity covers image validation failures at finalize time.
	Integrity
	// Busy means another check or update owns the subsystem.
	Busy
	// Precondition covers caller errors such as a missing release.
	Precondition
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case Protocol:
		return "protocol"
	case Resource:
		return "resource"
	case Integrity:
		return "integrity"
	case Busy:
		return "busy"
	case Precondition:
		return "precondition"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Msg is the short human string surfaced in
// progress snapshots and API responses; Err keeps the underlying cause.
type Error struct {
	Kind Kind
	Op   string
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

// Is matches another *Error by Kind when the target carries no message, so
// errors.Is(err, &Error{Kind: Integrity}) works as a class test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Msg == "" {
		return t.Kind == e.Kind
	}
	return t.Kind == e.Kind && t.Msg == e.Msg
}

// New returns a classified error without a cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf is New with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: cause}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Message returns the short message of the first *Error in err's chain, or
// err.Error() for unclassified errors.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
