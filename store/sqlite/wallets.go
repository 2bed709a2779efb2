/*
wallets.go - ledger.Store: wallets and the append-only transaction log
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/consultation-engine/ledger"
)

const walletColumns = `id, user_id, balance, frozen_balance, currency, is_active, created_at, updated_at`

const transactionColumns = `seq, id, wallet_id, amount, frozen_delta, balance_after, frozen_after,
	transaction_type, reference_type, reference_id, idempotency_key, description, created_at`

// =============================================================================
// WALLETS
// =============================================================================

func (r repo) CreateWallet(ctx context.Context, w ledger.Wallet) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.UserID, int64(w.Balance), int64(w.FrozenBalance), w.Currency, w.IsActive,
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("wallet for user %s already exists: %w", w.UserID, err)
		}
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

func (r repo) Wallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	return scanWallet(row)
}

func (r repo) WalletByUser(ctx context.Context, userID string) (*ledger.Wallet, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID)
	return scanWallet(row)
}

// ApplyDelta is one conditional UPDATE; the WHERE clause refuses any result
// below zero, and RETURNING yields the post-mutation snapshot.
func (r repo) ApplyDelta(ctx context.Context, id ledger.WalletID, balanceDelta, frozenDelta ledger.Amount) (*ledger.Wallet, error) {
	b, f := int64(balanceDelta), int64(frozenDelta)
	row := r.q.QueryRowContext(ctx, `
		UPDATE wallets
		SET balance = balance + ?, frozen_balance = frozen_balance + ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ? AND balance + ? >= 0 AND frozen_balance + ? >= 0
		RETURNING `+walletColumns,
		b, f, id, b, f)

	w, err := scanWallet(row)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ledger.ErrWalletNotFound) {
		return nil, fmt.Errorf("failed to apply delta: %w", err)
	}

	// Zero rows: either the wallet is missing or a balance would go negative.
	cur, err := r.Wallet(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Balance+balanceDelta < 0 {
		return nil, &ledger.InsufficientFundsError{WalletID: id, Available: cur.Balance, Requested: balanceDelta.Neg()}
	}
	return nil, fmt.Errorf("wallet %s frozen %d, delta %d: %w", id, cur.FrozenBalance, frozenDelta, ledger.ErrInsufficientHold)
}

func scanWallet(row *sql.Row) (*ledger.Wallet, error) {
	var (
		w                    ledger.Wallet
		balance, frozen      int64
		createdAt, updatedAt string
	)
	err := row.Scan(&w.ID, &w.UserID, &balance, &frozen, &w.Currency, &w.IsActive, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Balance = ledger.Amount(balance)
	w.FrozenBalance = ledger.Amount(frozen)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

func (r repo) AppendTransaction(ctx context.Context, tx ledger.Transaction) (*ledger.Transaction, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO wallet_transactions (
			id, wallet_id, amount, frozen_delta, balance_after, frozen_after,
			transaction_type, reference_type, reference_id, idempotency_key, description, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.ID, tx.WalletID, int64(tx.Amount), int64(tx.FrozenDelta), int64(tx.BalanceAfter), int64(tx.FrozenAfter),
		tx.Type, nullString(tx.ReferenceType), nullString(tx.ReferenceID), tx.IdempotencyKey,
		nullString(tx.Description), formatTime(tx.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, fmt.Errorf("key %q: %w", tx.IdempotencyKey, ledger.ErrDuplicateIdempotencyKey)
		}
		return nil, fmt.Errorf("failed to append transaction: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction seq: %w", err)
	}
	tx.Seq = seq
	return &tx, nil
}

func (r repo) TransactionByKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM wallet_transactions WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs, err := scanTransactions(rows)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func (r repo) Transactions(ctx context.Context, id ledger.WalletID) ([]ledger.Transaction, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM wallet_transactions WHERE wallet_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]ledger.Transaction, error) {
	var txs []ledger.Transaction
	for rows.Next() {
		var (
			tx                                    ledger.Transaction
			amount, frozenDelta, balAfter, frzAft int64
			refType, refID, desc                  sql.NullString
			createdAt                             string
		)
		if err := rows.Scan(&tx.Seq, &tx.ID, &tx.WalletID, &amount, &frozenDelta, &balAfter, &frzAft,
			&tx.Type, &refType, &refID, &tx.IdempotencyKey, &desc, &createdAt); err != nil {
			return nil, err
		}
		tx.Amount = ledger.Amount(amount)
		tx.FrozenDelta = ledger.Amount(frozenDelta)
		tx.BalanceAfter = ledger.Amount(balAfter)
		tx.FrozenAfter = ledger.Amount(frzAft)
		tx.ReferenceType = refType.String
		tx.ReferenceID = refID.String
		tx.Description = desc.String
		tx.CreatedAt = parseTime(createdAt)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
