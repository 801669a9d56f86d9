package domain

import (
	"context"
	"errors"
)

// Kind classifies an error by how callers should react to it.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindForbidden    Kind = "forbidden"
	KindInvalidState Kind = "invalid_state"
	KindInvalidInput Kind = "invalid_input"
	KindUnavailable  Kind = "unavailable"
	KindUnknown      Kind = "unknown"
	KindInternal     Kind = "internal"
)

// Error is a classified domain error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind and message, so wrapped
// instances compare equal to the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Message == "" || e.Message == t.Message)
}

// Sentinel errors.
var (
	ErrSessionNotFound     = &Error{Kind: KindNotFound, Message: "session not found"}
	ErrSessionClosed       = &Error{Kind: KindInvalidState, Message: "session is closed"}
	ErrInvalidParticipants = &Error{Kind: KindInvalidInput, Message: "invalid participants"}
	ErrInvalidMessage      = &Error{Kind: KindInvalidInput, Message: "invalid message"}
	ErrForbidden           = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrUnavailable         = &Error{Kind: KindUnavailable, Message: "temporarily unavailable"}
	ErrUnknownOutcome      = &Error{Kind: KindUnknown, Message: "outcome unknown"}
	ErrInternal            = &Error{Kind: KindInternal, Message: "internal error"}
)

// Wrap attaches cause to a sentinel, keeping its kind and message.
func Wrap(sentinel *Error, cause error) error {
	return &Error{Kind: sentinel.Kind, Message: sentinel.Message, Err: cause}
}

// Invalid returns an invalid_input error derived from sentinel with a specific message.
func Invalid(sentinel *Error, detail string) error {
	return &Error{Kind: sentinel.Kind, Message: sentinel.Message, Err: errors.New(detail)}
}

// KindOf returns the kind of err. Unclassified errors are internal, except
// context cancellation and deadlines which are reported as unavailable: an
// expired call is known to have had no effect unless the caller wrapped it
// as ErrUnknownOutcome.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindUnavailable
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
