// Package errors defines the unified error taxonomy for the memory store.
//
// Dedup hits and not-found conditions are ordinary return values elsewhere;
// everything surfaced through this package is an actual failure the caller
// can branch on with the Is* helpers. IndexCorruption is the only fatal
// class: once raised, the store refuses further mutation until rebuilt.
package errors

import (
	"errors"
	"fmt"
)

// Kind categorizes store errors.
type Kind string

const (
	KindValidation              Kind = "VALIDATION"
	KindNotFound                Kind = "NOT_FOUND"
	KindUnknownNode             Kind = "UNKNOWN_NODE"
	KindDimensionMismatch       Kind = "DIMENSION_MISMATCH"
	KindCapacityExceeded        Kind = "CAPACITY_EXCEEDED"
	KindIndexCorruption         Kind = "INDEX_CORRUPTION"
	KindConsolidationInProgress Kind = "CONSOLIDATION_IN_PROGRESS"
	KindInternal                Kind = "INTERNAL"
)

// StoreError is the custom error type for the memory store.
type StoreError struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is and errors.As to work.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Constructor functions for each error kind.

// NewValidation creates a validation error.
func NewValidation(format string, args ...any) error {
	return &StoreError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFound creates a not-found error for a missing id.
func NewNotFound(format string, args ...any) error {
	return &StoreError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewUnknownNode creates an error for an edge referencing an absent node.
func NewUnknownNode(format string, args ...any) error {
	return &StoreError{Kind: KindUnknownNode, Message: fmt.Sprintf(format, args...)}
}

// NewDimensionMismatch creates an error for a vector of the wrong length.
func NewDimensionMismatch(want, got int) error {
	return &StoreError{
		Kind:    KindDimensionMismatch,
		Message: fmt.Sprintf("vector dimension %d does not match store dimension %d", got, want),
	}
}

// NewCapacityExceeded creates an error for an insert into a full store with
// auto-pruning disabled.
func NewCapacityExceeded(capacity int) error {
	return &StoreError{
		Kind:    KindCapacityExceeded,
		Message: fmt.Sprintf("store is at capacity (%d live nodes) and auto-consolidation is disabled", capacity),
	}
}

// NewIndexCorruption creates a fatal internal-invariant error.
func NewIndexCorruption(format string, args ...any) error {
	return &StoreError{Kind: KindIndexCorruption, Message: fmt.Sprintf(format, args...)}
}

// NewConsolidationInProgress signals an overlapping consolidate call.
func NewConsolidationInProgress() error {
	return &StoreError{Kind: KindConsolidationInProgress, Message: "a consolidation pass is already running"}
}

// NewInternal creates an internal error wrapping a cause.
func NewInternal(message string, err error) error {
	return &StoreError{Kind: KindInternal, Message: message, Err: err}
}

// Wrap wraps an error with additional context, preserving its kind.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return &StoreError{
			Kind:    se.Kind,
			Message: fmt.Sprintf("%s: %s", message, se.Message),
			Err:     se.Err,
		}
	}
	return &StoreError{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind of a store error, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

func isKind(err error, kind Kind) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == kind
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool { return isKind(err, KindValidation) }

// IsNotFound checks if an error is a not-found error.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }

// IsUnknownNode checks if an error refers to an absent edge endpoint.
func IsUnknownNode(err error) bool { return isKind(err, KindUnknownNode) }

// IsDimensionMismatch checks if an error is a vector dimension mismatch.
func IsDimensionMismatch(err error) bool { return isKind(err, KindDimensionMismatch) }

// IsCapacityExceeded checks if an error is a capacity rejection.
func IsCapacityExceeded(err error) bool { return isKind(err, KindCapacityExceeded) }

// IsIndexCorruption checks if an error is the fatal corruption class.
func IsIndexCorruption(err error) bool { return isKind(err, KindIndexCorruption) }

// IsConsolidationInProgress checks if an error is a single-flight rejection.
func IsConsolidationInProgress(err error) bool { return isKind(err, KindConsolidationInProgress) }
