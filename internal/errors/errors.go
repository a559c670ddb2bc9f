// Package errors holds the error definitions shared by every daqstore package.
//
// It provides:
//   - Sentinel errors for the storage pipeline and its collaborators
//   - Error category checking functions
//   - Error wrapping utilities
//   - A collector for configuration validation errors
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Data model errors
	ErrTypeMismatch = errors.New("container type mismatch")

	// Configuration errors
	ErrConfiguration   = errors.New("invalid configuration")
	ErrMissingField    = errors.New("missing required field")
	ErrUnknownBackend  = errors.New("unknown storage backend")
	ErrUnknownDriver   = errors.New("unknown driver type")
	ErrUnknownCategory = errors.New("unknown measurement category")
	ErrDuplicateName   = errors.New("duplicate name")

	// Runtime errors
	ErrBackendWrite   = errors.New("backend write failed")
	ErrBackendClosed  = errors.New("backend is closed")
	ErrEngineClosed   = errors.New("storage engine is shut down")
	ErrBackpressure   = errors.New("storage engine overloaded, measurements dropped")
	ErrPollFailed     = errors.New("poll failed")
	ErrSourceNotFound = errors.New("source not found")
	ErrTimeout        = errors.New("timeout")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsConfiguration returns true if err was caused by invalid configuration.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrUnknownBackend) ||
		errors.Is(err, ErrUnknownDriver) ||
		errors.Is(err, ErrUnknownCategory) ||
		errors.Is(err, ErrDuplicateName)
}

// IsWriteFailure returns true if err reports a failed backend flush.
func IsWriteFailure(err error) bool {
	return errors.Is(err, ErrBackendWrite) ||
		errors.Is(err, ErrBackendClosed)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendWrite)
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

// NewTypeMismatch reports a merge between two different container kinds.
func NewTypeMismatch(have, want string) error {
	return fmt.Errorf("cannot merge %q into %q: %w", have, want, ErrTypeMismatch)
}

// NewBackendWrite wraps a backend failure for the given stream.
func NewBackendWrite(backend, stream string, err error) error {
	return fmt.Errorf("%s: flush %s: %w: %w", backend, stream, ErrBackendWrite, err)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrConfiguration)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrConfiguration)
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

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
