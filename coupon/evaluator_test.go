package coupon_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/consultation-engine/booking"
	"github.com/warp/consultation-engine/coupon"
	"github.com/warp/consultation-engine/ledger"
	"github.com/warp/consultation-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func newTestEvaluator(t *testing.T, coupons ...coupon.Coupon) (*coupon.Evaluator, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for _, c := range coupons {
		require.NoError(t, store.SaveCoupon(context.Background(), c))
	}
	return coupon.NewEvaluator(store).WithClock(func() time.Time { return now }), store
}

func percentOff(code string, pct int64) coupon.Coupon {
	return coupon.Coupon{
		ID:           "id-" + code,
		Code:         code,
		DiscountType: coupon.DiscountPercentage,
		Percentage:   decimal.NewFromInt(pct),
		IsActive:     true,
		CreatedAt:    now,
	}
}

func redeem(ctx context.Context, store *sqlite.Store, ev *coupon.Evaluator, c coupon.Candidate, requestID string) (*coupon.Quote, error) {
	var q *coupon.Quote
	err := store.Atomic(ctx, func(s booking.Store) error {
		var err error
		q, _, err = ev.Redeem(ctx, s, c, requestID)
		return err
	})
	return q, err
}

func reasonOf(t *testing.T, err error) coupon.InvalidReason {
	t.Helper()
	var ic *coupon.InvalidCouponError
	require.ErrorAs(t, err, &ic)
	assert.ErrorIs(t, err, coupon.ErrInvalidCoupon)
	return ic.Reason
}

// =============================================================================
// PRICING TESTS
// =============================================================================

func TestDiscount_PercentageAndFixed(t *testing.T) {
	pct := percentOff("TEN", 10)
	assert.Equal(t, ledger.Amount(15000), pct.Discount(150000))

	pct.MaximumDiscount = 5000
	assert.Equal(t, ledger.Amount(5000), pct.Discount(150000), "capped by maximum discount")

	odd := percentOff("THIRD", 33)
	assert.Equal(t, ledger.Amount(3), odd.Discount(10), "percentage discounts round down")

	fixed := coupon.Coupon{DiscountType: coupon.DiscountFixed, FixedAmount: 20000}
	assert.Equal(t, ledger.Amount(20000), fixed.Discount(150000))
	assert.Equal(t, ledger.Amount(1000), fixed.Discount(1000), "never more than the amount")
}

func TestPrice_EmptyCodeIsFullPrice(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	q, err := ev.Price(context.Background(), coupon.Candidate{UserID: "u", Amount: 1000})
	require.NoError(t, err)
	assert.False(t, q.HasDiscount())
	assert.Equal(t, ledger.Amount(1000), q.FinalAmount)
}

func TestPrice_ValidationReasons(t *testing.T) {
	inactive := percentOff("OFF", 10)
	inactive.IsActive = false
	future := percentOff("SOON", 10)
	future.ValidFrom = now.Add(time.Hour)
	past := percentOff("OLD", 10)
	past.ValidUntil = now.Add(-time.Hour)
	minimum := percentOff("BIG", 10)
	minimum.MinimumAmount = 200000
	category := percentOff("LEGAL", 10)
	category.ApplicableCategories = []string{"legal"}
	consultant := percentOff("VIP", 10)
	consultant.ApplicableConsultants = []string{"cons-9"}

	ev, _ := newTestEvaluator(t, inactive, future, past, minimum, category, consultant)

	tests := []struct {
		code string
		want coupon.InvalidReason
	}{
		{"MISSING", coupon.ReasonNotFound},
		{"OFF", coupon.ReasonInactive},
		{"SOON", coupon.ReasonNotStarted},
		{"OLD", coupon.ReasonExpired},
		{"BIG", coupon.ReasonBelowMinimum},
		{"LEGAL", coupon.ReasonCategory},
		{"VIP", coupon.ReasonConsultant},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			_, err := ev.Price(context.Background(), coupon.Candidate{
				Code: tt.code, UserID: "u-1", Amount: 150000, CategoryID: "medical", ConsultantID: "cons-1",
			})
			assert.Equal(t, tt.want, reasonOf(t, err))
		})
	}
}

// =============================================================================
// REDEMPTION TESTS
// =============================================================================

func TestRedeem_IdempotentPerRequest(t *testing.T) {
	ev, store := newTestEvaluator(t, percentOff("TEN", 10))
	ctx := context.Background()
	cand := coupon.Candidate{Code: "TEN", UserID: "u-1", Amount: 150000}

	q1, err := redeem(ctx, store, ev, cand, "req-1")
	require.NoError(t, err)
	q2, err := redeem(ctx, store, ev, cand, "req-1")
	require.NoError(t, err)
	assert.Equal(t, q1.DiscountAmount, q2.DiscountAmount)

	c, err := store.CouponByCode(ctx, "TEN")
	require.NoError(t, err)
	assert.Equal(t, 1, c.CurrentUsage)
}

func TestRedeem_PerUserCap(t *testing.T) {
	// GIVEN: A coupon limited to one use per user
	// WHEN: The same user redeems it for a second request
	// THEN: user_usage_cap_reached; another user may still use it

	once := percentOff("ONCE-EACH", 10)
	once.MaxUsagePerUser = 1
	ev, store := newTestEvaluator(t, once)
	ctx := context.Background()

	_, err := redeem(ctx, store, ev, coupon.Candidate{Code: "ONCE-EACH", UserID: "u-1", Amount: 1000}, "req-1")
	require.NoError(t, err)

	_, err = redeem(ctx, store, ev, coupon.Candidate{Code: "ONCE-EACH", UserID: "u-1", Amount: 1000}, "req-2")
	assert.Equal(t, coupon.ReasonUserUsageCap, reasonOf(t, err))

	_, err = redeem(ctx, store, ev, coupon.Candidate{Code: "ONCE-EACH", UserID: "u-2", Amount: 1000}, "req-3")
	assert.NoError(t, err)
}

func TestRedeem_LastUseRacedByTwoRequests(t *testing.T) {
	// GIVEN: A coupon with max_usage 1
	// WHEN: Two requests redeem it concurrently
	// THEN: Exactly one succeeds; the other sees usage_cap_reached

	single := percentOff("LAST", 20)
	single.MaxUsage = 1
	ev, store := newTestEvaluator(t, single)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := redeem(ctx, store, ev, coupon.Candidate{
				Code: "LAST", UserID: fmt.Sprintf("u-%d", i), Amount: 1000,
			}, fmt.Sprintf("req-%d", i))
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	var ok, capped int
	for _, err := range errs {
		var ic *coupon.InvalidCouponError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &ic) && ic.Reason == coupon.ReasonUsageCap:
			capped++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, capped)

	c, err := store.CouponByCode(ctx, "LAST")
	require.NoError(t, err)
	assert.Equal(t, 1, c.CurrentUsage)
}

func TestRestore_GivesBackTheUse(t *testing.T) {
	single := percentOff("LAST", 20)
	single.MaxUsage = 1
	ev, store := newTestEvaluator(t, single)
	ctx := context.Background()
	cand := coupon.Candidate{Code: "LAST", UserID: "u-1", Amount: 1000}

	_, err := redeem(ctx, store, ev, cand, "req-1")
	require.NoError(t, err)

	require.NoError(t, store.Atomic(ctx, func(s booking.Store) error {
		return ev.Restore(ctx, s, "req-1")
	}))

	_, err = redeem(ctx, store, ev, cand, "req-2")
	assert.NoError(t, err, "restored use can be redeemed again")

	u, err := store.UsageByRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Nil(t, u)
}
