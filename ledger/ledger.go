/*
ledger.go - Wallet mutations

CRITICAL INVARIANTS:
  1. APPEND-ONLY: every mutation appends exactly one row; rows never change
  2. ATOMIC: the balance update and the row append share one unit
  3. FAIL CLOSED: a debit or hold larger than the balance changes nothing
  4. IDEMPOTENT: same key = same row, returned without re-applying

OPERATIONS:
  Credit   balance += n
  Debit    balance -= n                      (fails if balance < n)
  Hold     balance -= n, frozen += n         (total unchanged)
  Release  frozen -= n,  balance += n        (total unchanged)
  Capture  frozen -= n                       (hold becomes a completed debit)

BOUND LEDGERS:
  Bind(store) returns a ledger that runs inside an atomic unit the caller
  already opened, so a booking transition and its money movement commit
  together. An unbound ledger opens its own unit per call.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger applies wallet mutations.
type Ledger struct {
	store TxStore
	bound Store
	log   *zap.Logger
	now   func() time.Time
}

// New creates a ledger that opens one transaction per mutation.
func New(store TxStore, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: store, log: log, now: time.Now}
}

// Bind returns a ledger whose mutations run inside s.
func (l *Ledger) Bind(s Store) *Ledger {
	cp := *l
	cp.bound = s
	return &cp
}

// WithClock overrides the time source. Used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	cp := *l
	cp.now = now
	return &cp
}

func (l *Ledger) unit(ctx context.Context, fn func(Store) error) error {
	if l.bound != nil {
		return fn(l.bound)
	}
	return l.store.WithTx(ctx, fn)
}

func (l *Ledger) reader() Store {
	if l.bound != nil {
		return l.bound
	}
	return l.store
}

// =============================================================================
// WALLETS
// =============================================================================

// OpenWallet returns the user's wallet, creating an empty one if needed.
func (l *Ledger) OpenWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	var out *Wallet
	err := l.unit(ctx, func(s Store) error {
		w, err := s.WalletByUser(ctx, userID)
		if err == nil {
			out = w
			return nil
		}
		if !errors.Is(err, ErrWalletNotFound) {
			return err
		}
		now := l.now().UTC()
		nw := Wallet{
			ID:        WalletID(uuid.NewString()),
			UserID:    userID,
			Currency:  currency,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateWallet(ctx, nw); err != nil {
			return fmt.Errorf("failed to create wallet: %w", err)
		}
		out = &nw
		return nil
	})
	return out, err
}

// Wallet returns a wallet by id.
func (l *Ledger) Wallet(ctx context.Context, id WalletID) (*Wallet, error) {
	return l.reader().Wallet(ctx, id)
}

// WalletByUser returns a user's wallet.
func (l *Ledger) WalletByUser(ctx context.Context, userID string) (*Wallet, error) {
	return l.reader().WalletByUser(ctx, userID)
}

// History returns a wallet's transactions in creation order.
func (l *Ledger) History(ctx context.Context, id WalletID) ([]Transaction, error) {
	return l.reader().Transactions(ctx, id)
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Credit adds funds to the available balance.
func (l *Ledger) Credit(ctx context.Context, e Entry) (*Transaction, error) {
	return l.apply(ctx, e, e.Amount, 0)
}

// Debit removes funds from the available balance.
func (l *Ledger) Debit(ctx context.Context, e Entry) (*Transaction, error) {
	return l.apply(ctx, e, -e.Amount, 0)
}

// Hold moves funds from the available balance to the frozen balance.
func (l *Ledger) Hold(ctx context.Context, e Entry) (*Transaction, error) {
	if e.Type == "" {
		e.Type = TxHold
	}
	return l.apply(ctx, e, -e.Amount, e.Amount)
}

// Release moves held funds back to the available balance.
func (l *Ledger) Release(ctx context.Context, e Entry) (*Transaction, error) {
	if e.Type == "" {
		e.Type = TxRelease
	}
	return l.apply(ctx, e, e.Amount, -e.Amount)
}

// Capture consumes held funds; the hold becomes a completed debit.
func (l *Ledger) Capture(ctx context.Context, e Entry) (*Transaction, error) {
	if e.Type == "" {
		e.Type = TxCapture
	}
	return l.apply(ctx, e, 0, -e.Amount)
}

func (l *Ledger) apply(ctx context.Context, e Entry, balanceDelta, frozenDelta Amount) (*Transaction, error) {
	if !e.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if e.IdempotencyKey == "" {
		return nil, ErrIdempotencyKeyRequired
	}

	var out *Transaction
	err := l.unit(ctx, func(s Store) error {
		// 1. Replay: same key returns the recorded row, but only for the
		// same mutation
		prior, err := s.TransactionByKey(ctx, e.IdempotencyKey)
		if err != nil {
			return err
		}
		if prior != nil {
			if prior.WalletID != e.WalletID || prior.Type != e.Type ||
				prior.Amount != balanceDelta || prior.FrozenDelta != frozenDelta {
				return fmt.Errorf("%w: key %s", ErrIdempotencyMismatch, e.IdempotencyKey)
			}
			out = prior
			return nil
		}

		w, err := s.Wallet(ctx, e.WalletID)
		if err != nil {
			return err
		}
		if !w.IsActive {
			return ErrWalletInactive
		}

		// 2. Balance-conditional update; snapshot comes from the same statement
		updated, err := s.ApplyDelta(ctx, e.WalletID, balanceDelta, frozenDelta)
		if err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				return &InsufficientFundsError{WalletID: e.WalletID, Available: w.Balance, Requested: e.Amount}
			}
			return err
		}

		// 3. Append the row
		tx := Transaction{
			ID:             TransactionID(uuid.NewString()),
			WalletID:       e.WalletID,
			Amount:         balanceDelta,
			FrozenDelta:    frozenDelta,
			BalanceAfter:   updated.Balance,
			FrozenAfter:    updated.FrozenBalance,
			Type:           e.Type,
			ReferenceType:  e.ReferenceType,
			ReferenceID:    e.ReferenceID,
			IdempotencyKey: e.IdempotencyKey,
			Description:    e.Description,
			CreatedAt:      l.now().UTC(),
		}
		stored, err := s.AppendTransaction(ctx, tx)
		if err != nil {
			return fmt.Errorf("failed to append ledger row: %w", err)
		}
		out = stored
		return nil
	})
	if err != nil {
		l.log.Debug("ledger mutation rejected",
			zap.String("wallet_id", string(e.WalletID)),
			zap.String("type", string(e.Type)),
			zap.Int64("amount", int64(e.Amount)),
			zap.Error(err),
		)
		return nil, err
	}
	return out, nil
}
