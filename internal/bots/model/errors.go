package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a report, allow-list entry, or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")

	// ErrInfrastructure marks store, cache, or geolocation failures. Callers
	// may retry operations that fail with it.
	ErrInfrastructure = errors.New("infrastructure unavailable")
)

// ErrValidation is returned when the caller supplies malformed input.
type ErrValidation struct{ Msg string }

func (e *ErrValidation) Error() string { return e.Msg }

// Infra wraps err as a retryable infrastructure failure of op.
func Infra(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInfrastructure, err)
}

// IsValidation reports whether err is (or wraps) an *ErrValidation.
func IsValidation(err error) bool {
	var v *ErrValidation
	return errors.As(err, &v)
}
