package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/consultation-engine/ledger"
	"github.com/warp/consultation-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*ledger.Ledger, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return ledger.New(store, nil), store
}

func fundedWallet(t *testing.T, l *ledger.Ledger, user string, amount ledger.Amount) *ledger.Wallet {
	ctx := context.Background()
	w, err := l.OpenWallet(ctx, user, "IRR")
	require.NoError(t, err)
	if amount > 0 {
		_, err = l.Credit(ctx, ledger.Entry{
			WalletID: w.ID, Amount: amount, Type: ledger.TxDeposit, IdempotencyKey: "seed:" + user,
		})
		require.NoError(t, err)
	}
	w, err = l.Wallet(ctx, w.ID)
	require.NoError(t, err)
	return w
}

// =============================================================================
// BALANCE INVARIANT TESTS
// =============================================================================

func TestDebit_InsufficientFunds_LeavesLedgerUntouched(t *testing.T) {
	// GIVEN: A wallet with 100000
	// WHEN: Debiting 150000
	// THEN: InsufficientFundsError with shortfall 50000; no row is appended

	l, _ := newTestLedger(t)
	ctx := context.Background()
	w := fundedWallet(t, l, "client-1", 100000)

	_, err := l.Debit(ctx, ledger.Entry{
		WalletID: w.ID, Amount: 150000, Type: ledger.TxPayment, IdempotencyKey: "pay-1",
	})

	var insufficient *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, ledger.Amount(50000), insufficient.Shortfall())

	got, err := l.Wallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(100000), got.Balance)

	history, err := l.History(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "only the seed credit")
}

func TestHoldReleaseCapture_Snapshots(t *testing.T) {
	// GIVEN: A wallet with 1000
	// WHEN: Hold 600, release 200, capture 400
	// THEN: Each row's snapshot matches the wallet at that point

	l, _ := newTestLedger(t)
	ctx := context.Background()
	w := fundedWallet(t, l, "client-1", 1000)

	hold, err := l.Hold(ctx, ledger.Entry{WalletID: w.ID, Amount: 600, IdempotencyKey: "hold"})
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(400), hold.BalanceAfter)
	assert.Equal(t, ledger.Amount(600), hold.FrozenAfter)
	assert.Equal(t, ledger.TxHold, hold.Type)

	rel, err := l.Release(ctx, ledger.Entry{WalletID: w.ID, Amount: 200, Type: ledger.TxRefund, IdempotencyKey: "release"})
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(600), rel.BalanceAfter)
	assert.Equal(t, ledger.Amount(400), rel.FrozenAfter)

	capt, err := l.Capture(ctx, ledger.Entry{WalletID: w.ID, Amount: 400, Type: ledger.TxPayment, IdempotencyKey: "capture"})
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(600), capt.BalanceAfter)
	assert.Equal(t, ledger.Amount(0), capt.FrozenAfter)

	_, err = l.Capture(ctx, ledger.Entry{WalletID: w.ID, Amount: 1, IdempotencyKey: "capture-more"})
	assert.ErrorIs(t, err, ledger.ErrInsufficientHold)
}

func TestEntryValidation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	w := fundedWallet(t, l, "client-1", 0)

	_, err := l.Credit(ctx, ledger.Entry{WalletID: w.ID, Amount: 0, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = l.Credit(ctx, ledger.Entry{WalletID: w.ID, Amount: 10})
	assert.ErrorIs(t, err, ledger.ErrIdempotencyKeyRequired)
}

// =============================================================================
// IDEMPOTENCY TESTS
// =============================================================================

func TestCredit_SameKeyAppliesOnce(t *testing.T) {
	// GIVEN: A deposit recorded under key "topup-1"
	// WHEN: The same deposit is replayed
	// THEN: The original row comes back and the balance moves once

	l, _ := newTestLedger(t)
	ctx := context.Background()
	w := fundedWallet(t, l, "client-1", 0)

	e := ledger.Entry{WalletID: w.ID, Amount: 5000, Type: ledger.TxDeposit, IdempotencyKey: "topup-1"}
	first, err := l.Credit(ctx, e)
	require.NoError(t, err)
	second, err := l.Credit(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := l.Wallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(5000), got.Balance)

	_, err = l.Debit(ctx, ledger.Entry{WalletID: w.ID, Amount: 5000, Type: ledger.TxWithdrawal, IdempotencyKey: "topup-1"})
	assert.ErrorIs(t, err, ledger.ErrIdempotencyMismatch)
}

func TestIdempotency_ReusedKeyWithOtherAmountIsRejected(t *testing.T) {
	// GIVEN: A deposit of 5000 and a hold of 600, each under its own key
	// WHEN: The keys are reused for a different amount or direction
	// THEN: ErrIdempotencyMismatch, and no balance moves

	l, _ := newTestLedger(t)
	ctx := context.Background()
	w := fundedWallet(t, l, "client-1", 0)

	_, err := l.Credit(ctx, ledger.Entry{WalletID: w.ID, Amount: 5000, Type: ledger.TxDeposit, IdempotencyKey: "topup-1"})
	require.NoError(t, err)
	_, err = l.Credit(ctx, ledger.Entry{WalletID: w.ID, Amount: 9000, Type: ledger.TxDeposit, IdempotencyKey: "topup-1"})
	assert.ErrorIs(t, err, ledger.ErrIdempotencyMismatch)

	_, err = l.Hold(ctx, ledger.Entry{WalletID: w.ID, Amount: 600, Type: ledger.TxAdjustment, IdempotencyKey: "adj-1"})
	require.NoError(t, err)
	_, err = l.Release(ctx, ledger.Entry{WalletID: w.ID, Amount: 600, Type: ledger.TxAdjustment, IdempotencyKey: "adj-1"})
	assert.ErrorIs(t, err, ledger.ErrIdempotencyMismatch, "same type and amount, opposite direction")

	got, err := l.Wallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(4400), got.Balance)
	assert.Equal(t, ledger.Amount(600), got.FrozenBalance)
}

func TestConcurrentDebits_NeverOverdraw(t *testing.T) {
	// GIVEN: A wallet with 1000
	// WHEN: 20 goroutines each debit 100 under distinct keys
	// THEN: Exactly 10 succeed and the balance ends at zero

	l, _ := newTestLedger(t)
	ctx := context.Background()
	w := fundedWallet(t, l, "client-1", 1000)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Debit(ctx, ledger.Entry{
				WalletID: w.ID, Amount: 100, Type: ledger.TxPayment,
				IdempotencyKey: fmt.Sprintf("debit-%d", i),
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, success)
	got, err := l.Wallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(0), got.Balance)
}

// =============================================================================
// RECONCILIATION TESTS
// =============================================================================

func TestReconcile_ReplayMatchesWallet(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	w := fundedWallet(t, l, "client-1", 10000)

	_, err := l.Hold(ctx, ledger.Entry{WalletID: w.ID, Amount: 3000, IdempotencyKey: "h"})
	require.NoError(t, err)
	_, err = l.Capture(ctx, ledger.Entry{WalletID: w.ID, Amount: 2000, Type: ledger.TxPayment, IdempotencyKey: "c"})
	require.NoError(t, err)
	_, err = l.Release(ctx, ledger.Entry{WalletID: w.ID, Amount: 1000, Type: ledger.TxRefund, IdempotencyKey: "r"})
	require.NoError(t, err)

	report, err := l.Reconcile(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 4, report.Transactions)
	assert.Equal(t, ledger.Amount(8000), report.ReplayedBalance)
	assert.Equal(t, ledger.Amount(0), report.ReplayedFrozen)
}

func TestReplay_DetectsTamperedSnapshot(t *testing.T) {
	w := ledger.Wallet{ID: "w-1", Balance: 500}
	txs := []ledger.Transaction{
		{ID: "t1", Amount: 700, BalanceAfter: 700},
		{ID: "t2", Amount: -200, BalanceAfter: 450},
	}

	report := ledger.Replay(w, txs)
	assert.False(t, report.Consistent())
	require.NotEmpty(t, report.Mismatches)
	assert.Equal(t, ledger.TransactionID("t2"), report.Mismatches[0].TransactionID)
}

func TestAmount_Rounding(t *testing.T) {
	rate := decimal.RequireFromString("0.2")
	assert.Equal(t, ledger.Amount(30000), ledger.Amount(150000).MulRate(rate))
	assert.Equal(t, ledger.Amount(3), ledger.Amount(15).MulRate(rate))
	assert.Equal(t, ledger.Amount(1), ledger.Amount(5).MulRateFloor(decimal.RequireFromString("0.3")))
	assert.Equal(t, ledger.Amount(2), ledger.Amount(5).MulRate(decimal.RequireFromString("0.3")))
}
