// Package failure classifies per-file ingestion errors.
package failure

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/strata/internal/storage"
)

// Class is the failure category that decides how the orchestrator reacts.
type Class string

const (
	ClassValidation      Class = "validation"
	ClassTransient       Class = "transient"
	ClassPermanent       Class = "permanent"
	ClassStoreCorruption Class = "store_corruption"
)

// Error attaches a Class to an underlying error.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Validation marks err as a non-retryable validation failure.
func Validation(err error) error { return wrap(ClassValidation, err) }

// Validationf formats a validation failure.
func Validationf(format string, args ...any) error {
	return Validation(fmt.Errorf(format, args...))
}

// Transient marks err as retryable.
func Transient(err error) error { return wrap(ClassTransient, err) }

// Permanent marks err as non-retryable. A transient marker further down the
// chain is overridden.
func Permanent(err error) error { return wrap(ClassPermanent, err) }

func wrap(c Class, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: c, Err: err}
}

// ClassOf reports the class of err. Store corruption wins over any explicit
// marking, then the outermost marker, then deadline expiry. Anything else is
// permanent.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	if errors.Is(err, storage.ErrStoreCorruption) {
		return ClassStoreCorruption
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassPermanent
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassTransient
}
