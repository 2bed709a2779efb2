package booking

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/consultation-engine/availability"
	"github.com/warp/consultation-engine/ledger"
)

func TestCancelRefundPercent(t *testing.T) {
	p := DefaultPolicy()
	start := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	scheduled := Request{Status: RequestScheduled, ScheduledAt: start}

	tests := []struct {
		name string
		r    Request
		by   Role
		at   time.Time
		want int64
	}{
		{"pending is free to cancel", Request{Status: RequestPending, ScheduledAt: start}, RoleClient, start.Add(-time.Hour), 100},
		{"client well ahead", scheduled, RoleClient, start.Add(-25 * time.Hour), 100},
		{"client inside the window", scheduled, RoleClient, start.Add(-24 * time.Hour), 50},
		{"consultant late", scheduled, RoleConsultant, start.Add(-time.Minute), 100},
		{"system", scheduled, RoleSystem, start.Add(time.Minute), 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.CancelRefundPercent(tt.r, tt.by, tt.at)
			assert.True(t, decimal.NewFromInt(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestNoShowRefundPercent(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.NoShowRefundPercent(false, false).Equal(decimal.NewFromInt(100)))
	assert.True(t, p.NoShowRefundPercent(true, false).Equal(decimal.NewFromInt(100)))
	assert.True(t, p.NoShowRefundPercent(false, true).IsZero())
}

func TestCommissionRate_ProfileOverride(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, "0.2", p.CommissionRate(availability.Profile{}).String())

	own := decimal.RequireFromString("0.1")
	assert.Equal(t, "0.1", p.CommissionRate(availability.Profile{CommissionRate: &own}).String())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(RequestPending, RequestAccepted))
	assert.True(t, CanTransition(RequestScheduled, RequestOngoing))
	assert.False(t, CanTransition(RequestOngoing, RequestCancelled))
	assert.False(t, CanTransition(RequestCompleted, RequestCancelled))
	for _, s := range []RequestStatus{RequestRejected, RequestCancelled, RequestCompleted, RequestNoShow} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestPrice_RoundsToMinorUnits(t *testing.T) {
	profile := availability.Profile{HourlyRate: 100000}

	amount, ok := Price(profile, 50, false)
	assert.True(t, ok)
	assert.Equal(t, ledger.Amount(83333), amount)

	amount, ok = Price(profile, 25, true)
	assert.True(t, ok, "no emergency rate falls back to the hourly rate")
	assert.Equal(t, ledger.Amount(41667), amount)

	_, ok = Price(availability.Profile{}, 60, false)
	assert.False(t, ok)
}
