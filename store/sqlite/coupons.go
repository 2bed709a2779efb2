/*
coupons.go - coupon.Store: coupons and per-request redemptions

Usage caps are enforced in SQL: IncrementUsage is a conditional UPDATE so two
concurrent redemptions of the last use cannot both succeed.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/warp/consultation-engine/coupon"
	"github.com/warp/consultation-engine/ledger"
)

const couponColumns = `id, code, discount_type, percentage, fixed_amount, maximum_discount, minimum_amount,
	valid_from, valid_until, is_active, max_usage, max_usage_per_user, current_usage,
	applicable_categories, applicable_consultants, created_at`

// SaveCoupon upserts a coupon by id. current_usage is owned by the
// redemption path and is only written on insert.
func (r repo) SaveCoupon(ctx context.Context, c coupon.Coupon) error {
	categories, err := json.Marshal(nonNil(c.ApplicableCategories))
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}
	consultants, err := json.Marshal(nonNil(c.ApplicableConsultants))
	if err != nil {
		return fmt.Errorf("failed to encode consultants: %w", err)
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO coupons (`+couponColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			discount_type = excluded.discount_type,
			percentage = excluded.percentage,
			fixed_amount = excluded.fixed_amount,
			maximum_discount = excluded.maximum_discount,
			minimum_amount = excluded.minimum_amount,
			valid_from = excluded.valid_from,
			valid_until = excluded.valid_until,
			is_active = excluded.is_active,
			max_usage = excluded.max_usage,
			max_usage_per_user = excluded.max_usage_per_user,
			applicable_categories = excluded.applicable_categories,
			applicable_consultants = excluded.applicable_consultants
	`, c.ID, c.Code, c.DiscountType, c.Percentage.String(), int64(c.FixedAmount), int64(c.MaximumDiscount),
		int64(c.MinimumAmount), nullTime(c.ValidFrom), nullTime(c.ValidUntil), c.IsActive,
		c.MaxUsage, c.MaxUsagePerUser, c.CurrentUsage, string(categories), string(consultants),
		formatTime(c.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("coupon code %q already exists: %w", c.Code, err)
		}
		return fmt.Errorf("failed to save coupon: %w", err)
	}
	return nil
}

func (r repo) CouponByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	var (
		c                             coupon.Coupon
		percentage, cats, consultants string
		fixed, maxDiscount, minAmount int64
		validFrom, validUntil         sql.NullString
		createdAt                     string
	)
	err := r.q.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = ?`, code).Scan(
		&c.ID, &c.Code, &c.DiscountType, &percentage, &fixed, &maxDiscount, &minAmount,
		&validFrom, &validUntil, &c.IsActive, &c.MaxUsage, &c.MaxUsagePerUser, &c.CurrentUsage,
		&cats, &consultants, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, coupon.ErrCouponNotFound
	}
	if err != nil {
		return nil, err
	}

	if c.Percentage, err = decimal.NewFromString(percentage); err != nil {
		return nil, fmt.Errorf("coupon %s: bad percentage %q: %w", c.ID, percentage, err)
	}
	if err := json.Unmarshal([]byte(cats), &c.ApplicableCategories); err != nil {
		return nil, fmt.Errorf("coupon %s: bad categories: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(consultants), &c.ApplicableConsultants); err != nil {
		return nil, fmt.Errorf("coupon %s: bad consultants: %w", c.ID, err)
	}
	c.FixedAmount = ledger.Amount(fixed)
	c.MaximumDiscount = ledger.Amount(maxDiscount)
	c.MinimumAmount = ledger.Amount(minAmount)
	c.ValidFrom = parseNullTime(validFrom)
	c.ValidUntil = parseNullTime(validUntil)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func (r repo) CountUserUsages(ctx context.Context, couponID, userID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = ? AND user_id = ?`,
		couponID, userID).Scan(&n)
	return n, err
}

func (r repo) IncrementUsage(ctx context.Context, couponID string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE coupons SET current_usage = current_usage + 1
		WHERE id = ? AND (max_usage = 0 OR current_usage < max_usage)
	`, couponID)
	if err != nil {
		return fmt.Errorf("failed to increment coupon usage: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return coupon.ErrUsageCapReached
	}
	return nil
}

func (r repo) DecrementUsage(ctx context.Context, couponID string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE coupons SET current_usage = current_usage - 1 WHERE id = ? AND current_usage > 0`,
		couponID)
	if err != nil {
		return fmt.Errorf("failed to decrement coupon usage: %w", err)
	}
	return nil
}

func (r repo) InsertUsage(ctx context.Context, u coupon.Usage) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO coupon_usages (id, coupon_id, user_id, request_id, discount_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.CouponID, u.UserID, u.RequestID, int64(u.DiscountAmount), formatTime(u.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("request %s already redeemed a coupon: %w", u.RequestID, err)
		}
		return fmt.Errorf("failed to insert coupon usage: %w", err)
	}
	return nil
}

// UsageByRequest returns nil when the request redeemed nothing.
func (r repo) UsageByRequest(ctx context.Context, requestID string) (*coupon.Usage, error) {
	var (
		u         coupon.Usage
		discount  int64
		createdAt string
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT id, coupon_id, user_id, request_id, discount_amount, created_at
		FROM coupon_usages WHERE request_id = ?
	`, requestID).Scan(&u.ID, &u.CouponID, &u.UserID, &u.RequestID, &discount, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.DiscountAmount = ledger.Amount(discount)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (r repo) DeleteUsage(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM coupon_usages WHERE id = ?`, id)
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
