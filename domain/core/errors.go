package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Not found errors
	ErrNotFound          = errors.New("resource not found")
	ErrAccessionNotFound = fmt.Errorf("%w: accession", ErrNotFound)
	ErrBlockNotFound     = fmt.Errorf("%w: block", ErrNotFound)

	// Store outcomes
	ErrDuplicateKey   = errors.New("duplicate key")
	ErrTransientStore = errors.New("transient store error")
	ErrBlockConflict  = errors.New("block reservation conflict")
	ErrNotBlockOwner  = errors.New("block is not owned by this instance")
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// Integrity errors
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInvalidVariant     = errors.New("invalid variant")
)

// Error constructors with context
func NewNotFoundError(resource string, id string) error {
	return fmt.Errorf("%w: %s with id %s", ErrNotFound, resource, id)
}

func NewInvariantViolation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

func NewTransientError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransientStore, op, err)
}

// Error checking helpers
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

// IsRetryable reports whether an operation failing with err may succeed
// if attempted again unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore) || errors.Is(err, ErrBlockConflict)
}
