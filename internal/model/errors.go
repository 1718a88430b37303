package model

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Graph-construction kinds abort the whole
// run; per-step kinds are recorded on the step and the run continues.
type Kind string

const (
	KindValidation                    Kind = "ValidationError"
	KindInventoryUnavailable          Kind = "InventoryUnavailable"
	KindUnmetDependencyMissing        Kind = "UnmetDependencyMissing"
	KindDependencyScheduledForDestroy Kind = "DependencyScheduledForDestroy"
	KindDependentRemainsAfterDestroy  Kind = "DependentRemainsAfterDestroy"
	KindCircularDependency            Kind = "CircularDependency"
	KindPreviewBlocked                Kind = "PreviewBlockedByPendingUpstream"
	KindUpstreamOutputMissing         Kind = "UpstreamOutputMissing"
	KindUpstreamFailed                Kind = "UpstreamFailed"
	KindEngineFailure                 Kind = "EngineFailure"
	KindInterrupted                   Kind = "Interrupted"
)

// Error is the result value used instead of exception-driven control
// flow: a kind, a message, and whether a retry may succeed.
type Error struct {
	Kind      Kind
	Msg       string
	Retriable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an error of the given kind.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// AsRetriable marks the error as worth retrying and returns it.
func (e *Error) AsRetriable() *Error {
	e.Retriable = true
	return e
}

// KindOf returns the kind carried by err, or an empty kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetriable reports whether err may succeed on a retry.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable
	}
	return false
}
