// Package errdefs defines the error kinds shared by the recommendation core.
//
// Callers classify failures with the Is* helpers rather than comparing
// concrete types, so wrapped errors are recognized as well.
package errdefs

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input or an invalid hyperparameter.
// It is always surfaced to the caller and never changes existing state.
type ValidationError struct {
	Field  string
	Reason string
	Value  any
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s (got %v)", e.Field, e.Reason, e.Value)
}

// Invalid is a shorthand constructor for ValidationError.
func Invalid(field, reason string, value any) error {
	return &ValidationError{Field: field, Reason: reason, Value: value}
}

// UnknownReferenceError reports an id that is not known to a lookup table,
// such as a module id outside the course hierarchy or an unweighted
// learning objective. It is recovered locally with Fallback.
type UnknownReferenceError struct {
	Kind     string
	ID       string
	Fallback string
}

func (e *UnknownReferenceError) Error() string {
	return fmt.Sprintf("unknown %s %q, using %s", e.Kind, e.ID, e.Fallback)
}

// TransientDependencyError reports an enrichment fetch that failed after
// all retries. Processing continues with default data.
type TransientDependencyError struct {
	Dependency string
	Attempts   int
	Cause      error
}

func (e *TransientDependencyError) Error() string {
	return fmt.Sprintf("dependency %s unavailable after %d attempt(s): %v", e.Dependency, e.Attempts, e.Cause)
}

func (e *TransientDependencyError) Unwrap() error {
	return e.Cause
}

// StateCorruptionError reports a persisted snapshot that failed its
// integrity check. The affected table is discarded and starts empty.
type StateCorruptionError struct {
	Scope  string
	Reason string
	Cause  error
}

func (e *StateCorruptionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("corrupt state for %s: %s: %v", e.Scope, e.Reason, e.Cause)
	}
	return fmt.Sprintf("corrupt state for %s: %s", e.Scope, e.Reason)
}

func (e *StateCorruptionError) Unwrap() error {
	return e.Cause
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsUnknownReference reports whether err is or wraps an UnknownReferenceError.
func IsUnknownReference(err error) bool {
	var target *UnknownReferenceError
	return errors.As(err, &target)
}

// IsTransient reports whether err is or wraps a TransientDependencyError.
func IsTransient(err error) bool {
	var target *TransientDependencyError
	return errors.As(err, &target)
}

// IsStateCorruption reports whether err is or wraps a StateCorruptionError.
func IsStateCorruption(err error) bool {
	var target *StateCorruptionError
	return errors.As(err, &target)
}
