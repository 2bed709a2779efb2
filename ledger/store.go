/*
store.go - Persistence contract for wallets and ledger rows

APPEND-ONLY CONTRACT:
  - AppendTransaction(): the only write to the transaction log
  - NO update or delete of transactions exists
  - Wallet balances change only through ApplyDelta, which is a single
    balance-conditional statement: it never leaves a negative balance

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go
*/
package ledger

import "context"

// Store handles persistence of wallets and their transactions.
type Store interface {
	// CreateWallet inserts a wallet. One wallet per user.
	CreateWallet(ctx context.Context, w Wallet) error

	// Wallet returns a wallet by id or ErrWalletNotFound.
	Wallet(ctx context.Context, id WalletID) (*Wallet, error)

	// WalletByUser returns the user's wallet or ErrWalletNotFound.
	WalletByUser(ctx context.Context, userID string) (*Wallet, error)

	// ApplyDelta atomically adds the deltas to balance and frozen balance.
	// Fails with ErrInsufficientFunds (balance) or ErrInsufficientHold (frozen)
	// without change when a result would be negative.
	ApplyDelta(ctx context.Context, id WalletID, balanceDelta, frozenDelta Amount) (*Wallet, error)

	// AppendTransaction persists a ledger row. Fails with
	// ErrDuplicateIdempotencyKey if the key exists.
	AppendTransaction(ctx context.Context, tx Transaction) (*Transaction, error)

	// TransactionByKey returns the row recorded under key, or nil.
	TransactionByKey(ctx context.Context, key string) (*Transaction, error)

	// Transactions returns a wallet's rows in creation order.
	Transactions(ctx context.Context, id WalletID) ([]Transaction, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
