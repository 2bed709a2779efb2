/*
payments.go - settlement.Store: payment records
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/consultation-engine/ledger"
	"github.com/warp/consultation-engine/settlement"
)

const paymentColumns = `id, request_id, payer_user_id, payment_type, method, amount, original_amount,
	discount_amount, commission_amount, status, gateway_ref, gateway_response, coupon_id,
	idempotency_key, failure_reason, created_at, updated_at`

func (r repo) CreatePayment(ctx context.Context, p settlement.Payment) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.RequestID, p.PayerUserID, p.Type, p.Method, int64(p.Amount), int64(p.OriginalAmount),
		int64(p.DiscountAmount), int64(p.CommissionAmount), p.Status, nullString(p.GatewayRef),
		p.GatewayResponse, nullString(p.CouponID), p.IdempotencyKey, nullString(p.FailureReason),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("payment %s (key %q): %w", p.ID, p.IdempotencyKey, settlement.ErrPaymentConflict)
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (r repo) Payment(ctx context.Context, id string) (*settlement.Payment, error) {
	return r.onePayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
}

func (r repo) PaymentByGatewayRef(ctx context.Context, ref string) (*settlement.Payment, error) {
	return r.onePayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway_ref = ?`, ref)
}

func (r repo) PaymentsByRequest(ctx context.Context, requestID string) ([]settlement.Payment, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE request_id = ? ORDER BY created_at, rowid`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayments(rows)
}

// UpdatePayment is conditional on the status the caller read.
func (r repo) UpdatePayment(ctx context.Context, p settlement.Payment, from settlement.PaymentStatus) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE payments SET
			status = ?, gateway_ref = ?, gateway_response = ?, commission_amount = ?,
			failure_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, p.Status, nullString(p.GatewayRef), p.GatewayResponse, int64(p.CommissionAmount),
		nullString(p.FailureReason), formatTime(p.UpdatedAt), p.ID, from)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("gateway ref %q already recorded: %w", p.GatewayRef, settlement.ErrPaymentConflict)
		}
		return fmt.Errorf("failed to update payment: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.Payment(ctx, p.ID); err != nil {
			return err
		}
		return fmt.Errorf("payment %s no longer %s: %w", p.ID, from, settlement.ErrPaymentConflict)
	}
	return nil
}

func (r repo) onePayment(ctx context.Context, query string, arg any) (*settlement.Payment, error) {
	rows, err := r.q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ps, err := scanPayments(rows)
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, settlement.ErrPaymentNotFound
	}
	return &ps[0], nil
}

func scanPayments(rows *sql.Rows) ([]settlement.Payment, error) {
	var ps []settlement.Payment
	for rows.Next() {
		var (
			p                                      settlement.Payment
			amount, original, discount, commission int64
			gatewayRef, couponID, failure          sql.NullString
			createdAt, updatedAt                   string
		)
		if err := rows.Scan(&p.ID, &p.RequestID, &p.PayerUserID, &p.Type, &p.Method, &amount, &original,
			&discount, &commission, &p.Status, &gatewayRef, &p.GatewayResponse, &couponID,
			&p.IdempotencyKey, &failure, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.Amount = ledger.Amount(amount)
		p.OriginalAmount = ledger.Amount(original)
		p.DiscountAmount = ledger.Amount(discount)
		p.CommissionAmount = ledger.Amount(commission)
		p.GatewayRef = gatewayRef.String
		p.CouponID = couponID.String
		p.FailureReason = failure.String
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		ps = append(ps, p)
	}
	return ps, rows.Err()
}
