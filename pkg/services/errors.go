// Package services defines the error taxonomy shared by the domain service
// packages. The HTTP layer maps these to status codes in one place; no
// handler branches on error strings.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when creating a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a concurrent holder wins a race, such as
	// a lock acquire against an active reservation.
	ErrConflict = errors.New("conflicting state")

	// ErrNotOwner is returned when a caller operates on a resource it does
	// not own, such as releasing another specialist's lock.
	ErrNotOwner = errors.New("caller does not own resource")

	// ErrConsumed is returned when a checkpoint has already been consumed
	// by a recovery.
	ErrConsumed = errors.New("checkpoint already consumed")
)

// Machine-readable validation codes returned to API callers.
const (
	CodeMissingField       = "MISSING_FIELD"
	CodeInvalidEnum        = "INVALID_ENUM"
	CodeInvalidRange       = "INVALID_RANGE"
	CodeInvalidDependency  = "INVALID_DEPENDENCY"
	CodeCircularDependency = "CIRCULAR_DEPENDENCY"
	CodeFileOverlap        = "FILE_OVERLAP"
)

// ValidationError carries a machine-readable code plus optional structured
// details (cycle node lists, overlapping paths).
type ValidationError struct {
	Field   string
	Code    string
	Message string
	Details map[string]any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: validation failed on field '%s': %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap ties every validation error to ErrInvalidInput so callers can use
// a single errors.Is check.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a validation error without details.
func NewValidationError(code, field, message string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: message}
}

// ValidationErrors aggregates every validation failure in one request so
// callers see the full list, not just the first.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(e.Errors), e.Errors[0].Error())
}

// Unwrap ties the aggregate to ErrInvalidInput as well.
func (e *ValidationErrors) Unwrap() error {
	return ErrInvalidInput
}
