// Package errs defines the typed failures the settlement engine reports.
// Business-rule rejections carry a Kind so the request layer can map them
// to a status without parsing messages; anything else is Internal and is
// surfaced to callers as a generic retry message.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindInsufficientFunds
	KindFundsLocked
	KindQuotaExceeded
	KindNotFound
	KindNotOwner
	KindConflict
	KindInvalidReference
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindFundsLocked:
		return "funds_locked"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindNotFound:
		return "not_found"
	case KindNotOwner:
		return "not_owner"
	case KindConflict:
		return "conflict"
	case KindInvalidReference:
		return "invalid_reference"
	default:
		return "internal"
	}
}

// Error is a caller-visible failure with a classification.
type Error struct {
	Kind    Kind
	Message string
	wrapped error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.wrapped }

// Is lets errors.Is match on kind sentinels created by the same package.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
	}
	return false
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without losing its cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// Internal wraps a store or collaborator failure. The message shown to a
// caller is deliberately generic; the cause goes to the log, not the wire.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "try again later", wrapped: err}
}

// KindOf extracts the classification, defaulting to Internal for plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
