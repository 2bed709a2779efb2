/*
errors.go - Ledger error types

ERROR CATEGORIES:
  1. Funds errors - a mutation would take a balance negative
  2. Idempotency errors - a key was reused for a different mutation
  3. Lookup errors - wallet or transaction missing

Funds errors are never retried: the ledger is left exactly as it was.
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
	// ErrInsufficientFunds is returned when a debit or hold exceeds the
	// available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientHold is returned when a release or capture exceeds the
	// frozen balance.
	ErrInsufficientHold = errors.New("insufficient held funds")

	// ErrWalletNotFound is returned when a referenced wallet doesn't exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletInactive is returned for mutations against a disabled wallet.
	ErrWalletInactive = errors.New("wallet inactive")

	// ErrInvalidAmount is returned for zero or negative entry amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrIdempotencyKeyRequired is returned when an entry has no key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")

	// ErrIdempotencyMismatch is returned when a key is replayed with a
	// different wallet or transaction type.
	ErrIdempotencyMismatch = errors.New("idempotency key reused for a different mutation")

	// ErrDuplicateIdempotencyKey is returned by stores on a unique-key collision.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	WalletID  WalletID
	Available Amount
	Requested Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in wallet %s: available %d, requested %d",
		e.WalletID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// Shortfall is how much is missing to satisfy the request.
func (e *InsufficientFundsError) Shortfall() Amount { return e.Requested - e.Available }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientHold) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrIdempotencyMismatch) ||
		errors.Is(err, ErrWalletInactive)
}
