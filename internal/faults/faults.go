// Package faults carries the error taxonomy surfaced to channel adapters
// and operators. Internal plumbing wraps with fmt.Errorf as usual; the kinds
// here are the stable classification layered on top.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the outside world.
type Kind string

const (
	Config             Kind = "Config"
	Database           Kind = "Database"
	Channel            Kind = "Channel"
	Container          Kind = "Container"
	Security           Kind = "Security"
	Timeout            Kind = "Timeout"
	RateLimitExceeded  Kind = "RateLimitExceeded"
	CircuitBreakerOpen Kind = "CircuitBreakerOpen"
	Other              Kind = "Other"
)

// Error pairs a Kind with an optional message and cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Returns nil for a nil err.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind carried by err, or Other for untyped errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Other
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
