// Package fault defines the closed error taxonomy shared by the store, the
// remote sources and the sync coordinator. Callers branch on Kind, never on
// source-specific error types.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure.
type Kind string

const (
	KindConfiguration   Kind = "configuration"
	KindAuth            Kind = "auth"
	KindNotFound        Kind = "not_found"
	KindRateLimited     Kind = "rate_limited"
	KindNetwork         Kind = "network"
	KindTimeout         Kind = "timeout"
	KindServer          Kind = "server"
	KindMalformedRecord Kind = "malformed_record"
	KindStore           Kind = "store"
)

// Transient reports whether the next scheduled cycle is expected to heal the
// failure without operator action.
func (k Kind) Transient() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServer, KindRateLimited:
		return true
	default:
		return false
	}
}

// Error is the single error type carried across package boundaries.
type Error struct {
	Kind       Kind
	CalendarID string
	Op         string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.CalendarID != "" {
		msg += " (calendar " + e.CalendarID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind so that errors.Is(err, &fault.Error{Kind: k})
// works without comparing wrapped causes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.CalendarID == "" || t.CalendarID == e.CalendarID)
}

// New wraps err with the given kind.
func New(kind Kind, calendarID, op string, err error) *Error {
	return &Error{Kind: kind, CalendarID: calendarID, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, calendarID, op, format string, args ...any) *Error {
	return New(kind, calendarID, op, fmt.Errorf(format, args...))
}

// Store wraps a storage I/O failure.
func Store(op string, err error) *Error {
	return &Error{Kind: KindStore, Op: op, Err: err}
}

// Configuration reports a configuration problem for a calendar.
func Configuration(calendarID, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, CalendarID: calendarID, Op: "validate", Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Errors outside the taxonomy are mapped by their
// shape: context deadlines become timeouts, everything else is a network
// failure since only remote calls can produce them.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// Is reports whether err belongs to kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
