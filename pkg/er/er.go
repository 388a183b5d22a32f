// Package er defines the error kinds surfaced by the broker core (spec §7)
// and a wrapped-error type that carries one of them alongside its context
// and, optionally, an underlying cause.
package er

import (
	"github.com/cockroachdb/errors"
)

// Kind identifies one of the error categories the core surfaces to callers.
// Callers should switch on Kind rather than comparing wrapped causes.
type Kind string

const (
	// InvalidTopicFilter: "#" not last, empty level where disallowed, illegal char.
	InvalidTopicFilter Kind = "InvalidTopicFilter"
	// BackpressureExceeded: an internal bounded queue is full.
	BackpressureExceeded Kind = "BackpressureExceeded"
	// StoreUnavailable: a persistent store is unreachable.
	StoreUnavailable Kind = "StoreUnavailable"
	// NotAuthorized: the authorizer hook rejected a publish/subscribe.
	NotAuthorized Kind = "NotAuthorized"
	// ClientGone: the socket closed mid-send.
	ClientGone Kind = "ClientGone"
	// DuplicateUuid: the same messageUuid was re-enqueued.
	DuplicateUuid Kind = "DuplicateUuid"
	// LockAcquisitionFailed: a cluster-wide named lock could not be acquired in time.
	LockAcquisitionFailed Kind = "LockAcquisitionFailed"
	// ServiceUnavailable: the session handler hasn't finished its startup
	// rebuild yet; CONNECTs are rejected until it is ready (spec.md §4.2).
	ServiceUnavailable Kind = "ServiceUnavailable"
)

// Err wraps a Kind with the context it occurred in and, optionally, an
// underlying cause. It keeps the teacher's {Context, Message} shape — here
// Message is the wrapped cause, Kind is what callers should branch on.
type Err struct {
	Kind    Kind
	Context string
	Message error
}

// New constructs an Err with no wrapped cause.
func New(kind Kind, context string) *Err {
	return &Err{Kind: kind, Context: context}
}

// Wrap constructs an Err wrapping cause with additional context.
func Wrap(kind Kind, context string, cause error) *Err {
	return &Err{Kind: kind, Context: context, Message: errors.Wrap(cause, context)}
}

func (e *Err) Error() string {
	if e.Message != nil {
		return errors.Wrapf(e.Message, "%s: %s", e.Context, e.Kind).Error()
	}
	return string(e.Kind) + ": " + e.Context
}

func (e *Err) Unwrap() error {
	return e.Message
}

// Is reports whether target is an *Err with the same Kind, so that
// errors.Is(err, er.New(er.BackpressureExceeded, "")) style checks work
// regardless of Context or wrapped cause.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Err.
func KindOf(err error) (Kind, bool) {
	var e *Err
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
