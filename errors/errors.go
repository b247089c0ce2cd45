// Package errors provides error handling for the PocketFlow controller.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Structured details attached to errors
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	GetAllDetails = crdb.GetAllDetails
)

// Common sentinel errors for the controller core.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested row or broker entry does not exist
	ErrNotFound = New("not found")

	// ErrTaskTerminal indicates a write was attempted against a task in a
	// terminal status (completed_success, completed_partial, failed)
	ErrTaskTerminal = New("task is terminal")

	// ErrForbiddenTransition indicates the task is not in any of the statuses
	// the requested transition allows
	ErrForbiddenTransition = New("forbidden task transition")

	// ErrDuplicateFineTune indicates a fine-tune child already exists for the
	// parent task
	ErrDuplicateFineTune = New("fine-tune child already exists")

	// ErrMissingInputBlob indicates a task's input blob is absent from both
	// the broker and the store
	ErrMissingInputBlob = New("missing input blob")

	// ErrLeaseLost indicates the controller leader lease could not be renewed
	ErrLeaseLost = New("controller lease lost")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
