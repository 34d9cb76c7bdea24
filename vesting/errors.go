/*
errors.go - Centralized error types for the vesting engine

PURPOSE:
  All error kinds in one place. Every failed call surfaces exactly one of
  these as its reason; none are retried internally. Retrying is the
  caller's business, by resubmitting the call.

ERROR CATEGORIES:
  1. Lookup errors     - unknown transfer
  2. Permission errors - caller may not perform this transition
  3. State errors      - transition illegal for the current status
  4. Input errors      - malformed schedule, amount, addresses
  5. Custody errors    - token deposit or payout failed
  6. Host errors       - replayed call id, timestamp going backwards
  7. Integrity errors  - incremental balances disagree with a full scan

USAGE:
  if errors.Is(err, vesting.ErrAlreadyTerminal) { ... }

  var se *vesting.StateError
  if errors.As(err, &se) {
      fmt.Println(se.ID, se.Status)
  }
*/
package vesting

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound     = errors.New("transfer not found")
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidState is returned when a transition is not legal from a
	// non-terminal status (e.g. executing an already executing transfer).
	ErrInvalidState = errors.New("invalid state")

	// ErrAlreadyTerminal is returned for any transition attempted on a
	// Completed or Cancelled transfer.
	ErrAlreadyTerminal = errors.New("transfer already terminal")

	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidInput    = errors.New("invalid input")

	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTransferRejected  = errors.New("transfer rejected")

	// ErrDuplicateCall is returned when a call id has already been committed.
	ErrDuplicateCall = errors.New("duplicate call")

	// ErrClockRegression is returned when the host timestamp is older than
	// the last committed one.
	ErrClockRegression = errors.New("timestamp before last committed call")

	// ErrBalanceMismatch means tracked balances diverged from the transfers
	// they are derived from. It indicates a bug, never bad input.
	ErrBalanceMismatch = errors.New("balance mismatch")

	ErrReadOnly = errors.New("write in read-only view")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// StateError reports an operation rejected because of a transfer's status
// or ownership.
type StateError struct {
	Op     string
	ID     TransferID
	Status Status
	Caller Address
	Err    error
}

func (e *StateError) Error() string {
	if e.Caller != "" {
		return fmt.Sprintf("%s transfer %d (%s) by %s: %v", e.Op, e.ID, e.Status, e.Caller, e.Err)
	}
	return fmt.Sprintf("%s transfer %d (%s): %v", e.Op, e.ID, e.Status, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// ScheduleError describes why a schedule was rejected.
type ScheduleError struct {
	Reason string
}

func (e *ScheduleError) Error() string { return "invalid schedule: " + e.Reason }

func (e *ScheduleError) Unwrap() error { return ErrInvalidSchedule }

// FundsError wraps a custody failure with the movement that failed.
type FundsError struct {
	Op      string // "deposit" or "payout"
	Address Address
	Token   TokenID
	Amount  Amount
	Err     error
}

func (e *FundsError) Error() string {
	return fmt.Sprintf("%s of %s %s for %s: %v", e.Op, e.Amount, e.Token, e.Address, e.Err)
}

func (e *FundsError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is caused by the call itself and
// resubmitting the same call cannot succeed without a change.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrAlreadyTerminal) ||
		errors.Is(err, ErrInvalidSchedule) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDuplicateCall)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsFundsError returns true for custody failures.
func IsFundsError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrTransferRejected)
}
