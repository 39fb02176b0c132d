package provider

import (
	"errors"
	"fmt"
)

// Class splits provider failures into the two kinds the scheduler
// cares about: transient errors are safe for the user to retry
// manually, permanent ones should not be retried with the same config.
type Class string

const (
	Transient Class = "transient"
	Permanent Class = "permanent"
)

// Error is the uniform failure type returned by all adapters.
type Error struct {
	Provider string
	Class    Class
	Code     int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s error %d: %s: %v", e.Provider, e.Class, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Provider, e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsTransient reports whether err is a provider error the user may
// safely retry. Unknown errors are treated as transient: network-level
// failures dominate that bucket and blocking retries on them would
// strand recoverable nodes.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class == Transient
	}
	return true
}

// classify maps an HTTP status code from a provider API to a Class.
// Rate limits and server-side failures are transient; everything the
// caller sent (auth, bad request, too-long context) is permanent.
func classify(code int) Class {
	switch code {
	case 429, 500, 502, 503, 504, 529:
		return Transient
	}
	return Permanent
}
