/*
errors.go - Centralized error types for the point ledger

PURPOSE:
  All error kinds in one place. Callers classify with errors.Is against
  the sentinels; structured types carry extra context and Unwrap to the
  matching sentinel.

ERROR CATEGORIES:
  1. Caller-fixable  - ErrInvalidArgument
  2. Business        - ErrInsufficientBalance, ErrNotFound
  3. Transient       - ErrConcurrentModification, ErrStorage

PROPAGATION POLICY:
  Invariant violations (an update that would push consumed past granted)
  are NOT errors here: the service panics before such a write, because a
  violated invariant is a logic defect, not a runtime condition.
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
	// ErrInvalidArgument is returned for non-positive amounts, empty
	// user identifiers, or malformed expiry horizons. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInsufficientBalance is returned when a deduction requests more
	// than the spendable balance. No rows were mutated.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrentModification is returned when a conditional update
	// detects that another writer advanced an entry first. Safe to
	// retry; the service already retries a bounded number of times.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrNotFound is returned for lookups addressed at an entry or
	// reference that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStorage wraps infrastructure failures from the underlying
	// store. Surfaced to the caller as retryable, never swallowed.
	ErrStorage = errors.New("storage failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports how far short the balance fell.
type InsufficientBalanceError struct {
	UserID    string
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for user %s: available %d, requested %d, shortfall %d",
		e.UserID, e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Shortfall returns how many points were missing.
func (e *InsufficientBalanceError) Shortfall() int64 {
	return e.Requested - e.Available
}

// StorageError wraps a driver-level failure with the operation name.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: storage failure: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return ErrStorage
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrStorage)
}

// IsClientError returns true if the error is due to caller input and
// should not be retried as-is.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInsufficientBalance)
}

// IsNotFound returns true if the error indicates a missing entry or
// reference.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
