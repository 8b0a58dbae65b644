package lx

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors so callers can tell invalid requests
// apart from failures to verify state.
type ErrorKind string

const (
	KindValidation          ErrorKind = "ValidationError"
	KindInsufficientBalance ErrorKind = "InsufficientBalance"
	KindNotFound            ErrorKind = "NotFound"
	KindNotOwner            ErrorKind = "NotOwner"
	KindSlippageExceeded    ErrorKind = "SlippageExceeded"
	KindPoolAlreadyExists   ErrorKind = "PoolAlreadyExists"
	KindAlreadyFilled       ErrorKind = "AlreadyFilled"
	KindInvariantViolation  ErrorKind = "InternalInvariantViolation"
	KindLedgerUnavailable   ErrorKind = "LedgerUnavailable"
	KindRiskUnavailable     ErrorKind = "RiskUnavailable"
	KindRiskRejected        ErrorKind = "RiskRejected"
)

// Errors
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrNotOwner            = &Error{Kind: KindNotOwner}
	ErrSlippageExceeded    = &Error{Kind: KindSlippageExceeded}
	ErrPoolAlreadyExists   = &Error{Kind: KindPoolAlreadyExists}
	ErrAlreadyFilled       = &Error{Kind: KindAlreadyFilled}
	ErrInvariantViolation  = &Error{Kind: KindInvariantViolation}
	ErrLedgerUnavailable   = &Error{Kind: KindLedgerUnavailable}
	ErrRiskUnavailable     = &Error{Kind: KindRiskUnavailable}
	ErrRiskRejected        = &Error{Kind: KindRiskRejected}
)

// Error carries a kind and a human-readable reason
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Reason == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// holds for every not-found error regardless of reason.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" when err is not an engine error
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
