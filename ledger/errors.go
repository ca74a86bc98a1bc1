/*
errors.go - Error taxonomy for the ledger

ERROR CATEGORIES:
  1. Validation  - Malformed or out-of-range input. Nothing was written.
  2. NotFound    - Client/punch does not exist or belongs to another trainer.
  3. Conflict    - Concurrent modification detected. Retry from fresh state.
  4. Persistence - The store failed. The aggregate and its audit row were
                   rolled back together.

USAGE:
  _, err := engine.AddPunch(ctx, trainerID, clientID, nil)
  switch {
  case ledger.IsValidation(err): // 400
  case ledger.IsNotFound(err):   // 404
  case ledger.IsRetryable(err):  // 409
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced record does not exist or
	// is not owned by the requesting trainer.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when optimistic locking detects a concurrent write.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrPersistence is returned when the store fails mid-operation.
	ErrPersistence = errors.New("persistence failure")

	// ErrUnknownAction is returned when decoding an audit row with an action
	// outside the closed set.
	ErrUnknownAction = errors.New("unknown audit action")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "client", "punch"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// PersistenceError wraps a store failure with the operation that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the operation may succeed when retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation returns true if the error is due to invalid caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPersistence returns true if the store failed.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// isDomainError reports whether err already belongs to the taxonomy.
func isDomainError(err error) bool {
	return IsValidation(err) || IsNotFound(err) || IsRetryable(err) || IsPersistence(err)
}
