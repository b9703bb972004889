// Package errors defines the error taxonomy shared by every engine
// component.
//
// It provides:
// - Sentinel errors for all error conditions
// - Category checking helpers (IsNotFound, IsValidation, ...)
// - A stable code string per category, recorded in audit history
// - Wrapping utilities and a ValidationErrors collector
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error codes - stable category strings stored in audit records
// ============================================================================

const (
	CodeUnknown       = "UNKNOWN"
	CodeNotFound      = "NOT_FOUND"
	CodeAlreadyExists = "ALREADY_EXISTS"
	CodeValidation    = "VALIDATION"
	CodeState         = "STATE"
	CodeResource      = "RESOURCE"
	CodeTimeout       = "TIMEOUT"
	CodeCanceled      = "CANCELED"
	CodeInternal      = "INTERNAL"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors
	ErrNotFound          = errors.New("not found")
	ErrTableNotFound     = errors.New("table not found")
	ErrPolicyNotFound    = errors.New("lifecycle policy not found")
	ErrPartitionNotFound = errors.New("partition not found")
	ErrBindingNotFound   = errors.New("no lifecycle policy bound to table")
	ErrTaskNotFound      = errors.New("task not found")

	// Already exists errors
	ErrAlreadyExists       = errors.New("already exists")
	ErrTableAlreadyExists  = errors.New("table already exists")
	ErrPolicyAlreadyExists = errors.New("lifecycle policy already exists")

	// Validation errors
	ErrInvalidName       = errors.New("invalid name")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrMissingField      = errors.New("missing required field")
	ErrInvalidTier       = errors.New("invalid storage tier")
	ErrRetentionTooShort = errors.New("retention below the enforced minimum")
	ErrPredicateRequired = errors.New("a non-empty filter predicate is required")
	ErrInvalidPredicate  = errors.New("invalid predicate")
	ErrUnknownColumn     = errors.New("unknown column")
	ErrInvalidParameter  = errors.New("invalid session parameter")

	// State errors
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid partition state transition")
	ErrPolicyBound       = errors.New("lifecycle policy is bound to a table")
	ErrEngineClosed      = errors.New("engine is closed")

	// Resource errors
	ErrTooManyFiles = errors.New("retrieval exceeds the file count ceiling")
	ErrBackpressure = errors.New("ingest rejected due to backpressure")

	// Session/task errors
	ErrSessionClosed = errors.New("session is closed")
	ErrTaskCanceled  = errors.New("task canceled")
	ErrTimeout       = errors.New("timeout")

	// Internal errors
	ErrInternal = errors.New("internal error")
	ErrDatabase = errors.New("database error")
	ErrStorage  = errors.New("storage error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTableNotFound) ||
		errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrPartitionNotFound) ||
		errors.Is(err, ErrBindingNotFound) ||
		errors.Is(err, ErrTaskNotFound)
}

// IsAlreadyExists returns true if err is an already-exists error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrTableAlreadyExists) ||
		errors.Is(err, ErrPolicyAlreadyExists)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidTier) ||
		errors.Is(err, ErrRetentionTooShort) ||
		errors.Is(err, ErrPredicateRequired) ||
		errors.Is(err, ErrInvalidPredicate) ||
		errors.Is(err, ErrUnknownColumn) ||
		errors.Is(err, ErrInvalidParameter)
}

// IsStateError returns true if err is a state-related error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrPolicyBound) ||
		errors.Is(err, ErrEngineClosed)
}

// IsResource returns true if err is a resource limit error.
func IsResource(err error) bool {
	return errors.Is(err, ErrTooManyFiles) ||
		errors.Is(err, ErrBackpressure)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackpressure)
}

// ============================================================================
// Error to code mapping
// ============================================================================

// Code maps an error to its stable category string. Audit records carry
// this alongside the message so history rows stay classifiable after
// the message text changes.
func Code(err error) string {
	switch {
	case err == nil:
		return CodeUnknown
	case IsNotFound(err):
		return CodeNotFound
	case IsAlreadyExists(err):
		return CodeAlreadyExists
	case IsValidation(err):
		return CodeValidation
	case IsStateError(err):
		return CodeState
	case IsResource(err):
		return CodeResource
	case Is(err, ErrTimeout):
		return CodeTimeout
	case Is(err, ErrTaskCanceled), Is(err, ErrSessionClosed):
		return CodeCanceled
	default:
		return CodeInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewAlreadyExists creates an already-exists error with context.
func NewAlreadyExists(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrAlreadyExists)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
