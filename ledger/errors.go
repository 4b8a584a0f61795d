/*
errors.go - Centralized error types for the ledger and workflow

ERROR CATEGORIES:
  1. Validation errors - caller supplied something illegal
  2. Business rule errors - insufficient funds, illegal transitions
  3. Store errors - persistence failures (never retried here)

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) {
      var fundsErr *ledger.InsufficientFundsError
      errors.As(err, &fundsErr)
  }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientFunds is returned when a deduction exceeds the available budget.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAdjustment is returned when an adjustment would break a singleton invariant.
	ErrInvalidAdjustment = errors.New("invalid adjustment")

	// ErrInvalidTransition is returned for a request transition from the wrong state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidQuantity is returned when a requested quantity is not positive.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrInvalidAmount is returned for non-positive amounts or amounts with
	// more than two fractional digits.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrValidation is returned for missing or malformed caller input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned for unknown request or product ids.
	ErrNotFound = errors.New("not found")

	// ErrNotInitialized is returned when the revenue singleton has not been seeded.
	ErrNotInitialized = errors.New("ledger not initialized")

	// ErrStoreFailure marks an underlying persistence error.
	ErrStoreFailure = errors.New("store failure")

	// ErrConcurrentModification is returned when the singleton version moved
	// under a writer.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// key is already in the log.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrRestoreExceedsSpent is returned in strict mode when a restore is
	// larger than totalSpent.
	ErrRestoreExceedsSpent = errors.New("restore exceeds total spent")

	// ErrLedgerCorrupted is returned when replay does not match stored state.
	ErrLedgerCorrupted = errors.New("ledger corrupted")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a budget shortage.
type InsufficientFundsError struct {
	Available decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, requested %s, shortfall %s",
		e.Available.StringFixed(MoneyScale), e.Requested.StringFixed(MoneyScale), e.Shortfall.StringFixed(MoneyScale))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InvalidTransitionError names the state a request was in and the one attempted.
type InvalidTransitionError struct {
	From      RequestStatus
	Attempted RequestStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.Attempted)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// StoreError wraps a driver error. It matches ErrStoreFailure and unwraps to
// the driver error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store failure: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreFailure }

// NewStoreError wraps err unless it already carries a ledger sentinel.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isLedgerError(err) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// ReplayMismatchError points at the first row whose BalanceAfter disagrees
// with the replayed balance.
type ReplayMismatchError struct {
	TransactionID TransactionID
	Expected      decimal.Decimal
	Recorded      decimal.Decimal
}

func (e *ReplayMismatchError) Error() string {
	return fmt.Sprintf("ledger replay mismatch at transaction %d: replayed %s, recorded %s",
		e.TransactionID, e.Expected.StringFixed(MoneyScale), e.Recorded.StringFixed(MoneyScale))
}

func (e *ReplayMismatchError) Unwrap() error { return ErrLedgerCorrupted }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid caller input or
// a business rule.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidAdjustment) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrRestoreExceedsSpent)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isLedgerError(err error) bool {
	return IsClientError(err) ||
		IsNotFound(err) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrStoreFailure) ||
		errors.Is(err, ErrLedgerCorrupted)
}
