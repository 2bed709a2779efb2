/*
Package coupon prices discounts against candidate bookings.

PURPOSE:
  Price() is a read-only preview: it validates the coupon against the
  booking and returns the discounted amount without touching usage counters.
  Redeem() is the authoritative step. It runs inside the settlement unit of
  the booking's first payment authorization and increments the usage counter
  with a conditional update, so two bookings that both passed the preview
  cannot both consume the last use.

VALIDATION ORDER:
  exists -> active -> valid_from <= now <= valid_until -> minimum amount ->
  applicable categories -> applicable consultants -> usage caps

DISCOUNT:
  percentage: floor(amount * percentage / 100), capped by maximum_discount
  fixed:      fixed_amount
  Either way the discount never exceeds the candidate amount.
*/
package coupon

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/consultation-engine/ledger"
)

// =============================================================================
// TYPES
// =============================================================================

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// Coupon is a discount definition. Zero MaxUsage or MaxUsagePerUser means
// unlimited; zero MaximumDiscount means uncapped.
type Coupon struct {
	ID                    string
	Code                  string
	DiscountType          DiscountType
	Percentage            decimal.Decimal
	FixedAmount           ledger.Amount
	MaximumDiscount       ledger.Amount
	MinimumAmount         ledger.Amount
	ValidFrom             time.Time
	ValidUntil            time.Time
	IsActive              bool
	MaxUsage              int
	MaxUsagePerUser       int
	CurrentUsage          int
	ApplicableCategories  []string
	ApplicableConsultants []string
	CreatedAt             time.Time
}

// Usage records one redemption tied to one request and one user.
type Usage struct {
	ID             string
	CouponID       string
	UserID         string
	RequestID      string
	DiscountAmount ledger.Amount
	CreatedAt      time.Time
}

// Candidate is the booking a coupon is priced against.
type Candidate struct {
	Code         string
	UserID       string
	Amount       ledger.Amount
	CategoryID   string
	ConsultantID string
}

// Quote is the result of pricing.
type Quote struct {
	CouponID       string
	Code           string
	OriginalAmount ledger.Amount
	DiscountAmount ledger.Amount
	FinalAmount    ledger.Amount
}

// HasDiscount reports whether the quote came from a coupon.
func (q Quote) HasDiscount() bool { return q.CouponID != "" }

// Discount computes the discount for amount, ignoring eligibility.
func (c Coupon) Discount(amount ledger.Amount) ledger.Amount {
	var d ledger.Amount
	switch c.DiscountType {
	case DiscountPercentage:
		d = amount.MulRateFloor(c.Percentage.Div(decimal.NewFromInt(100)))
		if c.MaximumDiscount > 0 {
			d = d.Min(c.MaximumDiscount)
		}
	case DiscountFixed:
		d = c.FixedAmount
	}
	if d < 0 {
		d = 0
	}
	return d.Min(amount)
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidCoupon is the sentinel behind every InvalidCouponError.
	ErrInvalidCoupon = errors.New("invalid coupon")

	// ErrCouponNotFound is returned by stores for unknown codes.
	ErrCouponNotFound = errors.New("coupon not found")

	// ErrUsageCapReached is returned by a conditional increment that lost.
	ErrUsageCapReached = errors.New("coupon usage cap reached")
)

type InvalidReason string

const (
	ReasonNotFound     InvalidReason = "not_found"
	ReasonInactive     InvalidReason = "inactive"
	ReasonNotStarted   InvalidReason = "not_started"
	ReasonExpired      InvalidReason = "expired"
	ReasonBelowMinimum InvalidReason = "below_minimum"
	ReasonCategory     InvalidReason = "category_not_applicable"
	ReasonConsultant   InvalidReason = "consultant_not_applicable"
	ReasonUsageCap     InvalidReason = "usage_cap_reached"
	ReasonUserUsageCap InvalidReason = "user_usage_cap_reached"
)

// InvalidCouponError explains a rejected coupon.
type InvalidCouponError struct {
	Code   string
	Reason InvalidReason
}

func (e *InvalidCouponError) Error() string {
	return fmt.Sprintf("invalid coupon %q: %s", e.Code, e.Reason)
}

func (e *InvalidCouponError) Unwrap() error { return ErrInvalidCoupon }
