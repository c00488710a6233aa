// Package errors defines the stable error kinds surfaced by the scheduling
// core. Raw driver errors never cross the package boundary without a kind.
package errors

import (
	"errors"
	"fmt"
)

// Kind categorizes an application error.
type Kind string

const (
	// KindConfigInvalid indicates a job configuration that failed compilation.
	KindConfigInvalid Kind = "config_invalid"
	// KindJobNotFound indicates a job id that does not resolve.
	KindJobNotFound Kind = "job_not_found"
	// KindIllegalTransition indicates a status change forbidden by the lifecycle table.
	KindIllegalTransition Kind = "illegal_transition"
	// KindInvalidTTL indicates a TTL value that is not a positive integer.
	KindInvalidTTL Kind = "invalid_ttl"
	// KindDispatchFailed indicates the messaging transport rejected an enqueue.
	KindDispatchFailed Kind = "dispatch_failed"
	// KindInternal indicates an unexpected internal failure.
	KindInternal Kind = "internal"
)

// Error carries a kind, a human-readable message, and an optional cause.
// It supports errors.Is/errors.As through Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause. Returns nil for a
// nil cause so call sites can wrap unconditionally.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// KindOf extracts the kind from an error chain, or KindInternal if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func isKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsConfigInvalid reports whether err is a config validation failure.
func IsConfigInvalid(err error) bool { return isKind(err, KindConfigInvalid) }

// IsJobNotFound reports whether err is a missing-job condition.
func IsJobNotFound(err error) bool { return isKind(err, KindJobNotFound) }

// IsIllegalTransition reports whether err is a rejected status transition.
func IsIllegalTransition(err error) bool { return isKind(err, KindIllegalTransition) }

// IsInvalidTTL reports whether err is a TTL validation failure.
func IsInvalidTTL(err error) bool { return isKind(err, KindInvalidTTL) }

// IsDispatchFailed reports whether err is a transport enqueue failure.
func IsDispatchFailed(err error) bool { return isKind(err, KindDispatchFailed) }
