/*
Package ledger provides the wallet ledger: per-user balances and the
append-only transaction log that is the single source of truth for money.

PURPOSE:
  Every money movement in the marketplace (top-ups, booking holds, captures,
  refunds, consultant earnings, platform commission) is a ledger entry.
  A wallet row caches the current balance; the transaction log explains it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: integer minor-currency units (no floating point anywhere)
  - Wallet: available balance + frozen (held) balance for one user
  - Transaction: immutable ledger row with post-mutation snapshots
  - Entry: caller-supplied description of one mutation

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only compensated
  2. Precision: int64 minor units; rates use decimal.Decimal and are
     rounded back to minor units at the edge
  3. Idempotency: every mutation carries a caller-supplied key
  4. Reconciliation: replaying a wallet's rows reproduces its balances

USAGE:
  l := ledger.New(store, logger)
  tx, err := l.Debit(ctx, ledger.Entry{
      WalletID:       w.ID,
      Amount:         150000,
      Type:           ledger.TxPayment,
      ReferenceType:  "request",
      ReferenceID:    "req-1",
      IdempotencyKey: "req-1:debit",
  })

SEE ALSO:
  - ledger.go: Credit/Debit/Hold/Release/Capture
  - store.go: persistence contract
  - reconcile.go: replay check
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Integer minor currency units
// =============================================================================

// Amount is a quantity of money in minor currency units (e.g. rials, cents).
type Amount int64

func (a Amount) IsNegative() bool { return a < 0 }
func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) Neg() Amount      { return -a }
func (a Amount) Min(b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

func (a Amount) Decimal() decimal.Decimal { return decimal.NewFromInt(int64(a)) }

// MulRate multiplies by a rate and rounds half away from zero to whole units.
func (a Amount) MulRate(rate decimal.Decimal) Amount {
	return Amount(a.Decimal().Mul(rate).Round(0).IntPart())
}

// MulRateFloor multiplies by a rate and truncates toward zero.
func (a Amount) MulRateFloor(rate decimal.Decimal) Amount {
	return Amount(a.Decimal().Mul(rate).Truncate(0).IntPart())
}

func (a Amount) String() string { return fmt.Sprintf("%d", int64(a)) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WalletID string
type TransactionID string

// =============================================================================
// WALLET
// =============================================================================

// Wallet holds one user's funds. Balance is spendable; FrozenBalance is held
// pending settlement. Both are non-negative at all times.
type Wallet struct {
	ID            WalletID
	UserID        string
	Balance       Amount
	FrozenBalance Amount
	Currency      string
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Total is balance plus frozen funds.
func (w Wallet) Total() Amount { return w.Balance + w.FrozenBalance }

// =============================================================================
// TRANSACTION - Immutable ledger row
// =============================================================================

type TxType string

const (
	TxDeposit    TxType = "deposit"    // Funds entering from outside (gateway top-up)
	TxWithdrawal TxType = "withdrawal" // Funds leaving to outside
	TxPayment    TxType = "payment"    // Direct debit for a booking
	TxRefund     TxType = "refund"     // Held funds returned to the payer
	TxCommission TxType = "commission" // Platform share of a settled booking
	TxEarning    TxType = "earning"    // Consultant share of a settled booking
	TxHold       TxType = "hold"       // Balance moved into frozen
	TxRelease    TxType = "release"    // Frozen moved back into balance
	TxCapture    TxType = "capture"    // Frozen consumed by settlement
	TxBonus      TxType = "bonus"
	TxPenalty    TxType = "penalty"
	TxAdjustment TxType = "adjustment" // Manual admin correction
)

// Transaction is one append-only ledger row. Amount is the signed change to
// Balance and FrozenDelta the signed change to FrozenBalance; BalanceAfter and
// FrozenAfter are the wallet snapshot taken inside the same atomic unit.
type Transaction struct {
	ID             TransactionID
	WalletID       WalletID
	Seq            int64
	Amount         Amount
	FrozenDelta    Amount
	BalanceAfter   Amount
	FrozenAfter    Amount
	Type           TxType
	ReferenceType  string
	ReferenceID    string
	IdempotencyKey string
	Description    string
	CreatedAt      time.Time
}

// =============================================================================
// ENTRY - Mutation request
// =============================================================================

// Entry describes one ledger mutation. Amount is always positive; the
// operation (Credit, Debit, ...) decides the sign.
type Entry struct {
	WalletID       WalletID
	Amount         Amount
	Type           TxType
	ReferenceType  string
	ReferenceID    string
	IdempotencyKey string
	Description    string
}
