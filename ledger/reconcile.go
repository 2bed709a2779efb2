package ledger

import (
	"context"
	"fmt"
)

// ReconciliationReport compares a wallet's cached balances with a replay of
// its transaction log.
type ReconciliationReport struct {
	WalletID        WalletID
	Balance         Amount
	FrozenBalance   Amount
	ReplayedBalance Amount
	ReplayedFrozen  Amount
	Transactions    int
	Mismatches      []Mismatch
}

// Mismatch is a row whose snapshot disagrees with the running replay.
type Mismatch struct {
	TransactionID TransactionID
	Expected      Amount
	Recorded      Amount
	Field         string
}

// Consistent reports whether the replay reproduces the wallet exactly.
func (r *ReconciliationReport) Consistent() bool {
	return len(r.Mismatches) == 0 &&
		r.Balance == r.ReplayedBalance &&
		r.FrozenBalance == r.ReplayedFrozen
}

// Reconcile replays a wallet's transactions in creation order.
func (l *Ledger) Reconcile(ctx context.Context, id WalletID) (*ReconciliationReport, error) {
	s := l.reader()
	w, err := s.Wallet(ctx, id)
	if err != nil {
		return nil, err
	}
	txs, err := s.Transactions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	return Replay(*w, txs), nil
}

// Replay computes a report from a wallet and its rows.
func Replay(w Wallet, txs []Transaction) *ReconciliationReport {
	report := &ReconciliationReport{
		WalletID:      w.ID,
		Balance:       w.Balance,
		FrozenBalance: w.FrozenBalance,
		Transactions:  len(txs),
	}
	var balance, frozen Amount
	for _, tx := range txs {
		balance += tx.Amount
		frozen += tx.FrozenDelta
		if tx.BalanceAfter != balance {
			report.Mismatches = append(report.Mismatches, Mismatch{
				TransactionID: tx.ID, Expected: balance, Recorded: tx.BalanceAfter, Field: "balance_after",
			})
		}
		if tx.FrozenAfter != frozen {
			report.Mismatches = append(report.Mismatches, Mismatch{
				TransactionID: tx.ID, Expected: frozen, Recorded: tx.FrozenAfter, Field: "frozen_after",
			})
		}
	}
	report.ReplayedBalance = balance
	report.ReplayedFrozen = frozen
	return report
}
