package coupon

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Store persists coupons and their usages.
type Store interface {
	CouponByCode(ctx context.Context, code string) (*Coupon, error)
	SaveCoupon(ctx context.Context, c Coupon) error

	// CountUserUsages counts a user's redemptions of a coupon.
	CountUserUsages(ctx context.Context, couponID, userID string) (int, error)

	// IncrementUsage adds one use only if current_usage < max_usage (or the
	// coupon is unlimited). Fails with ErrUsageCapReached otherwise.
	IncrementUsage(ctx context.Context, couponID string) error
	DecrementUsage(ctx context.Context, couponID string) error

	InsertUsage(ctx context.Context, u Usage) error
	UsageByRequest(ctx context.Context, requestID string) (*Usage, error)
	DeleteUsage(ctx context.Context, id string) error
}

// Evaluator validates and prices coupons.
type Evaluator struct {
	store Store
	now   func() time.Time
}

func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{store: store, now: time.Now}
}

// WithClock overrides the time source.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	cp := *e
	cp.now = now
	return &cp
}

// Price validates the coupon for the candidate and returns the discounted
// amount. An empty code prices the candidate at full amount. Usage caps are
// checked as a read-only estimate; Redeem is authoritative.
func (e *Evaluator) Price(ctx context.Context, c Candidate) (*Quote, error) {
	return e.price(ctx, e.store, c)
}

func (e *Evaluator) price(ctx context.Context, s Store, c Candidate) (*Quote, error) {
	if c.Code == "" {
		return &Quote{OriginalAmount: c.Amount, FinalAmount: c.Amount}, nil
	}

	cp, err := s.CouponByCode(ctx, c.Code)
	if err != nil {
		if errors.Is(err, ErrCouponNotFound) {
			return nil, &InvalidCouponError{Code: c.Code, Reason: ReasonNotFound}
		}
		return nil, err
	}

	if reason := e.validate(*cp, c); reason != "" {
		return nil, &InvalidCouponError{Code: c.Code, Reason: reason}
	}

	if cp.MaxUsagePerUser > 0 {
		used, err := s.CountUserUsages(ctx, cp.ID, c.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to count coupon usages: %w", err)
		}
		if used >= cp.MaxUsagePerUser {
			return nil, &InvalidCouponError{Code: c.Code, Reason: ReasonUserUsageCap}
		}
	}

	discount := cp.Discount(c.Amount)
	return &Quote{
		CouponID:       cp.ID,
		Code:           cp.Code,
		OriginalAmount: c.Amount,
		DiscountAmount: discount,
		FinalAmount:    c.Amount - discount,
	}, nil
}

func (e *Evaluator) validate(cp Coupon, c Candidate) InvalidReason {
	now := e.now()
	switch {
	case !cp.IsActive:
		return ReasonInactive
	case !cp.ValidFrom.IsZero() && now.Before(cp.ValidFrom):
		return ReasonNotStarted
	case !cp.ValidUntil.IsZero() && now.After(cp.ValidUntil):
		return ReasonExpired
	case c.Amount < cp.MinimumAmount:
		return ReasonBelowMinimum
	case len(cp.ApplicableCategories) > 0 && !slices.Contains(cp.ApplicableCategories, c.CategoryID):
		return ReasonCategory
	case len(cp.ApplicableConsultants) > 0 && !slices.Contains(cp.ApplicableConsultants, c.ConsultantID):
		return ReasonConsultant
	case cp.MaxUsage > 0 && cp.CurrentUsage >= cp.MaxUsage:
		return ReasonUsageCap
	}
	return ""
}

// Redeem re-prices the candidate inside s and records the redemption for
// requestID. It must run in the same atomic unit as the payment
// authorization. Redeeming twice for the same request returns the first usage.
func (e *Evaluator) Redeem(ctx context.Context, s Store, c Candidate, requestID string) (*Quote, *Usage, error) {
	if c.Code == "" {
		return &Quote{OriginalAmount: c.Amount, FinalAmount: c.Amount}, nil, nil
	}

	if existing, err := s.UsageByRequest(ctx, requestID); err != nil {
		return nil, nil, err
	} else if existing != nil {
		return &Quote{
			CouponID:       existing.CouponID,
			Code:           c.Code,
			OriginalAmount: c.Amount,
			DiscountAmount: existing.DiscountAmount,
			FinalAmount:    c.Amount - existing.DiscountAmount,
		}, existing, nil
	}

	q, err := e.price(ctx, s, c)
	if err != nil {
		return nil, nil, err
	}

	if err := s.IncrementUsage(ctx, q.CouponID); err != nil {
		if errors.Is(err, ErrUsageCapReached) {
			return nil, nil, &InvalidCouponError{Code: c.Code, Reason: ReasonUsageCap}
		}
		return nil, nil, fmt.Errorf("failed to increment coupon usage: %w", err)
	}

	u := Usage{
		ID:             uuid.NewString(),
		CouponID:       q.CouponID,
		UserID:         c.UserID,
		RequestID:      requestID,
		DiscountAmount: q.DiscountAmount,
		CreatedAt:      e.now().UTC(),
	}
	if err := s.InsertUsage(ctx, u); err != nil {
		return nil, nil, fmt.Errorf("failed to record coupon usage: %w", err)
	}
	return q, &u, nil
}

// Restore gives back the use consumed by requestID, if any. Called when the
// authorization that redeemed it fails.
func (e *Evaluator) Restore(ctx context.Context, s Store, requestID string) error {
	u, err := s.UsageByRequest(ctx, requestID)
	if err != nil || u == nil {
		return err
	}
	if err := s.DeleteUsage(ctx, u.ID); err != nil {
		return err
	}
	return s.DecrementUsage(ctx, u.CouponID)
}
