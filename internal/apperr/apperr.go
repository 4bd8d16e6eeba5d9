package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation       Kind = "validation_error"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindUpstream         Kind = "upstream_error"
	KindBalanceMismatch  Kind = "balance_mismatch"
	KindWebhookSignature Kind = "webhook_signature_error"
	KindUnauthorized     Kind = "unauthorized"
	KindInternal         Kind = "internal_error"
)

// Error is the error type returned across service boundaries. Code is a
// stable machine-readable identifier, Message is safe to show to clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two *Error values by Kind and Code so sentinel errors work
// with errors.Is after being wrapped.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(message string) *Error {
	return New(KindValidation, string(KindValidation), message)
}

func NotFound(message string) *Error {
	return New(KindNotFound, string(KindNotFound), message)
}

func Conflict(message string) *Error {
	return New(KindConflict, string(KindConflict), message)
}

func Upstream(message string, err error) *Error {
	return Wrap(KindUpstream, string(KindUpstream), message, err)
}

func Internal(message string, err error) *Error {
	return Wrap(KindInternal, string(KindInternal), message, err)
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
