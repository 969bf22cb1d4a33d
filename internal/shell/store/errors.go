// Package store provides persistence for Slipway projects, slots and runs.
package store

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when creating an entity that already exists.
	ErrDuplicate = errors.New("entity already exists")

	// ErrStateConflict is returned when a conditional transition observed a
	// state or version that no longer matches the stored record.
	ErrStateConflict = errors.New("slot state conflict")

	// ErrConnectionFailed is returned when the database connection fails.
	ErrConnectionFailed = errors.New("database connection failed")

	// ErrMigrationFailed is returned when database migration fails.
	ErrMigrationFailed = errors.New("database migration failed")

	// ErrInvalidData is returned when serialization of a record fails.
	ErrInvalidData = errors.New("invalid data format")
)

// StoreError wraps errors with operation context.
type StoreError struct {
	Op      string // Operation that failed (e.g., "Transition")
	Entity  string // Entity type (e.g., "environment", "run")
	Key     string // Entity key if applicable
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.Key, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(op, entity, key, message string, err error) *StoreError {
	return &StoreError{
		Op:      op,
		Entity:  entity,
		Key:     key,
		Message: message,
		Err:     err,
	}
}
