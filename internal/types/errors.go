package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrValidation    = errors.New("validation failed")
	ErrTransientIO   = errors.New("store unavailable")
)

// ValidationError describes a malformed record or request. It matches ErrValidation
// with errors.Is.
type ValidationError struct {
	Entity string
	Reason string
}

func NewValidationError(entity, reason string) *ValidationError {
	return &ValidationError{Entity: entity, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Entity, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
