// Package faults classifies errors raised while driving a dispute workflow.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies the class of a workflow error.
type Kind string

const (
	KindTransient          Kind = "transient_collaborator_error"
	KindValidationRejected Kind = "validation_rejected"
	KindInvalidState       Kind = "invalid_state"
	KindInvalidDecision    Kind = "invalid_decision"
	KindAlreadyDecided     Kind = "already_decided"
	KindExecutionFailure   Kind = "execution_failure"
	KindPersistence        Kind = "persistence_failure"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindInvalidInput       Kind = "invalid_input"
	KindInternal           Kind = "internal"
)

// Sentinel errors for the caller-facing kinds. Compare with errors.Is.
var (
	ErrInvalidState    = &Error{Kind: KindInvalidState, Message: "run is not awaiting a decision"}
	ErrInvalidDecision = &Error{Kind: KindInvalidDecision, Message: "decision must be approved or rejected"}
	ErrAlreadyDecided  = &Error{Kind: KindAlreadyDecided, Message: "run has already been decided"}
	ErrRunNotFound     = &Error{Kind: KindNotFound, Message: "run not found"}
	ErrConflict        = &Error{Kind: KindConflict, Message: "run was modified concurrently"}
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two classified errors by kind, so wrapped sentinels compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient marks err as retryable.
func Transient(op string, err error) error {
	return Wrap(KindTransient, op, err)
}

// Persistence marks err as a store failure.
func Persistence(op string, err error) error {
	return Wrap(KindPersistence, op, err)
}

// InvalidInput reports malformed caller or collaborator data.
func InvalidInput(op, message string) error {
	return New(KindInvalidInput, op, message)
}

// As returns the outermost classified error in err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when err is unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if f, ok := As(err); ok {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
