package booking

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/consultation-engine/availability"
	"github.com/warp/consultation-engine/ledger"
)

// Policy holds the business values the engine applies. Percentages are
// 0-100; the commission rate is a fraction.
type Policy struct {
	// Client cancellations more than FullRefundBefore ahead of the start
	// are refunded in full; later ones get LateRefundPercent.
	FullRefundBefore  time.Duration
	LateRefundPercent decimal.Decimal

	// No-show refunds to the client, by who was absent.
	ClientAbsentRefundPercent     decimal.Decimal
	ConsultantAbsentRefundPercent decimal.Decimal
	BothAbsentRefundPercent       decimal.Decimal

	// JoinGracePeriod after the start before a no-show can be declared.
	JoinGracePeriod time.Duration
	// EarlyJoin is how long before the start a party may join.
	EarlyJoin time.Duration
	// RequestTTL is how long a request may stay pending.
	RequestTTL time.Duration

	DefaultCommissionRate decimal.Decimal
}

// DefaultPolicy returns the values used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		FullRefundBefore:              24 * time.Hour,
		LateRefundPercent:             decimal.NewFromInt(50),
		ClientAbsentRefundPercent:     decimal.Zero,
		ConsultantAbsentRefundPercent: decimal.NewFromInt(100),
		BothAbsentRefundPercent:       decimal.NewFromInt(100),
		JoinGracePeriod:               15 * time.Minute,
		EarlyJoin:                     10 * time.Minute,
		RequestTTL:                    24 * time.Hour,
		DefaultCommissionRate:         decimal.RequireFromString("0.2"),
	}
}

var hundred = decimal.NewFromInt(100)

// CancelRefundPercent is the share of the paid amount returned when r is
// cancelled by role at time at. Only late client cancellations of a
// scheduled window are penalized.
func (p Policy) CancelRefundPercent(r Request, by Role, at time.Time) decimal.Decimal {
	if r.Status == RequestPending || by != RoleClient || r.ScheduledAt.IsZero() {
		return hundred
	}
	if r.ScheduledAt.Sub(at) > p.FullRefundBefore {
		return hundred
	}
	return p.LateRefundPercent
}

// NoShowRefundPercent is the share returned to the client after a no-show.
func (p Policy) NoShowRefundPercent(clientJoined, consultantJoined bool) decimal.Decimal {
	switch {
	case !clientJoined && !consultantJoined:
		return p.BothAbsentRefundPercent
	case !consultantJoined:
		return p.ConsultantAbsentRefundPercent
	case !clientJoined:
		return p.ClientAbsentRefundPercent
	}
	return decimal.Zero
}

// CommissionRate is the consultant's own rate, or the platform default.
func (p Policy) CommissionRate(profile availability.Profile) decimal.Decimal {
	if profile.CommissionRate != nil {
		return *profile.CommissionRate
	}
	return p.DefaultCommissionRate
}

var minutesPerHour = decimal.NewFromInt(60)

// Price is the quoted amount for a request of the given length, from the
// consultant's hourly rate (the emergency rate for immediate requests),
// rounded half away from zero. ok is false when the consultant has no rate.
func Price(profile availability.Profile, minutes int, immediate bool) (ledger.Amount, bool) {
	rate := profile.HourlyRate
	if immediate && profile.EmergencyRate > 0 {
		rate = profile.EmergencyRate
	}
	if rate <= 0 || minutes <= 0 {
		return 0, false
	}
	amount := decimal.NewFromInt(rate).Mul(decimal.NewFromInt(int64(minutes))).Div(minutesPerHour).Round(0)
	return ledger.Amount(amount.IntPart()), true
}
