package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/consultation-engine/ledger"
)

func TestWalletTransactions_AreAppendOnly(t *testing.T) {
	// GIVEN: A recorded ledger row
	// WHEN: Raw SQL tries to rewrite or delete it
	// THEN: The triggers abort both statements

	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateWallet(ctx, ledger.Wallet{
		ID: "w-1", UserID: "user-1", Currency: "IRR", IsActive: true, CreatedAt: now, UpdatedAt: now,
	}))
	_, err = store.AppendTransaction(ctx, ledger.Transaction{
		ID: "tx-1", WalletID: "w-1", Amount: 500, BalanceAfter: 500,
		Type: ledger.TxDeposit, IdempotencyKey: "k-1", CreatedAt: now,
	})
	require.NoError(t, err)

	_, err = store.db.ExecContext(ctx, `UPDATE wallet_transactions SET amount = 1 WHERE id = 'tx-1'`)
	assert.ErrorContains(t, err, "append-only")

	_, err = store.db.ExecContext(ctx, `DELETE FROM wallet_transactions WHERE id = 'tx-1'`)
	assert.ErrorContains(t, err, "append-only")

	txs, err := store.Transactions(ctx, "w-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.Amount(500), txs[0].Amount)
}

func TestWallets_BalanceCheckConstraint(t *testing.T) {
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.CreateWallet(ctx, ledger.Wallet{
		ID: "w-1", UserID: "user-1", Currency: "IRR", IsActive: true, CreatedAt: now, UpdatedAt: now,
	}))

	_, err = store.db.ExecContext(ctx, `UPDATE wallets SET balance = -1 WHERE id = 'w-1'`)
	assert.Error(t, err)
}
