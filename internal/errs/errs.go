// Package errs defines the error taxonomy shared by the store, the
// authentication layer, the approval workflow and the RPC boundary.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindUnauthorized
	KindValidation
	KindTransient
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindUnauthorized:
		return "Unauthorized"
	case KindValidation:
		return "Validation"
	case KindTransient:
		return "Transient"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is matching. An *Error matches the sentinel of its Kind.
var (
	ErrNotFound     = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrConflict     = &Error{Kind: KindConflict, Msg: "conflict"}
	ErrUnauthorized = &Error{Kind: KindUnauthorized, Msg: "unauthorized"}
	ErrValidation   = &Error{Kind: KindValidation, Msg: "invalid input"}
	ErrTransient    = &Error{Kind: KindTransient, Msg: "temporarily unavailable"}
	ErrInternal     = &Error{Kind: KindInternal, Msg: "internal error"}
)

// Error carries a Kind, a caller-facing message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return isSentinel(t) && t.Kind == e.Kind
}

func isSentinel(e *Error) bool {
	switch e {
	case ErrNotFound, ErrConflict, ErrUnauthorized, ErrValidation, ErrTransient, ErrInternal:
		return true
	}
	return false
}

func newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error { return newf(KindNotFound, format, args...) }

func Conflict(format string, args ...any) error { return newf(KindConflict, format, args...) }

func Unauthorized(format string, args ...any) error {
	return newf(KindUnauthorized, format, args...)
}

func Validation(format string, args ...any) error { return newf(KindValidation, format, args...) }

func Internal(format string, args ...any) error { return newf(KindInternal, format, args...) }

// Transient wraps a retryable storage or I/O failure.
func Transient(err error, format string, args ...any) error {
	e := newf(KindTransient, format, args...)
	e.Err = err
	return e
}

// Wrap attaches kind k to err unless err already carries a kind.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return &Error{Kind: k, Msg: msg, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the caller-facing message of err. Errors without a kind
// are reported as internal so their details do not leak.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal || e.Kind == KindTransient {
			return e.Msg
		}
		return e.Error()
	}
	return ErrInternal.Msg
}
