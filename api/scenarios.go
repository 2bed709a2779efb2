/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the database with realistic
  data for demos and manual testing. Each scenario creates consultants,
  weekly slots, exceptions, coupons and funded wallets.

AVAILABLE SCENARIOS:
  single-consultant: One consultant on weekday office hours, one funded client
  coupons:           single-consultant plus a percentage and a fixed coupon
  busy-week:         single-consultant plus a holiday and a blocked afternoon

HOW SCENARIOS WORK:
  Every row has a fixed id and every wallet credit a fixed idempotency key,
  so loading a scenario twice leaves the same state. Nothing is deleted.

USAGE VIA API:
  GET  /api/admin/scenarios
  POST /api/admin/scenarios/load
  {"scenario_id": "coupons"}

ADDING NEW SCENARIOS:
  1. Add to 'scenarios' slice with ID, name, description
  2. Create loader function: loadXxxScenario(ctx, h)
  3. Register it in scenarioLoaders

SEE ALSO:
  - handlers.go: admin handlers writing the same rows
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/consultation-engine/availability"
	"github.com/warp/consultation-engine/coupon"
	"github.com/warp/consultation-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes a loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "single-consultant",
		Name:        "Single Consultant",
		Description: "Consultant cons-demo (user-demo-consultant) available Mon-Fri 09:00-17:00 Tehran time at 200,000 per hour; client-demo holds 1,000,000 in their wallet",
	},
	{
		ID:          "coupons",
		Name:        "Coupons",
		Description: "Single consultant plus WELCOME10 (10% capped at 50,000, once per user) and FLAT20K (20,000 off orders above 100,000)",
	},
	{
		ID:          "busy-week",
		Name:        "Busy Week",
		Description: "Single consultant with next Monday as a holiday and next Wednesday afternoon blocked",
	},
}

var scenarioLoaders = map[string]func(context.Context, *Handler) error{
	"single-consultant": loadSingleConsultantScenario,
	"coupons":           loadCouponsScenario,
	"busy-week":         loadBusyWeekScenario,
}

const (
	demoConsultantID   = "cons-demo"
	demoConsultantUser = "user-demo-consultant"
	demoClient         = "client-demo"
	demoTimezone       = "Asia/Tehran"
)

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios handles GET /api/admin/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario handles POST /api/admin/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if err := load(r.Context(), h); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger(r).Info("scenario loaded", zap.String("scenario_id", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

// =============================================================================
// LOADERS
// =============================================================================

func loadSingleConsultantScenario(ctx context.Context, h *Handler) error {
	rate := decimal.RequireFromString("0.15")
	if err := h.store.SaveConsultantProfile(ctx, availability.Profile{
		ConsultantID:        demoConsultantID,
		UserID:              demoConsultantUser,
		Timezone:            demoTimezone,
		CommissionRate:      &rate,
		IsAcceptingRequests: true,
		HourlyRate:          200_000,
		EmergencyRate:       300_000,
	}); err != nil {
		return fmt.Errorf("failed to save consultant: %w", err)
	}

	for _, day := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday} {
		if err := h.store.SaveSlot(ctx, availability.Slot{
			ID:           fmt.Sprintf("%s-%s", demoConsultantID, day),
			ConsultantID: demoConsultantID,
			Weekday:      day,
			Start:        availability.NewClock(9, 0),
			End:          availability.NewClock(17, 0),
			IsActive:     true,
		}); err != nil {
			return fmt.Errorf("failed to save slot: %w", err)
		}
	}

	wallet, err := h.ledger.OpenWallet(ctx, demoClient, h.currency())
	if err != nil {
		return err
	}
	_, err = h.ledger.Credit(ctx, ledger.Entry{
		WalletID:       wallet.ID,
		Amount:         1_000_000,
		Type:           ledger.TxDeposit,
		ReferenceType:  "scenario",
		ReferenceID:    "single-consultant",
		IdempotencyKey: "scenario:single-consultant:" + demoClient,
		Description:    "Demo top-up",
	})
	return err
}

func loadCouponsScenario(ctx context.Context, h *Handler) error {
	if err := loadSingleConsultantScenario(ctx, h); err != nil {
		return err
	}
	now := h.engine.Now()
	demo := []coupon.Coupon{
		{
			ID:              "coupon-welcome10",
			Code:            "WELCOME10",
			DiscountType:    coupon.DiscountPercentage,
			Percentage:      decimal.NewFromInt(10),
			MaximumDiscount: 50_000,
			ValidFrom:       now.AddDate(0, 0, -1),
			ValidUntil:      now.AddDate(0, 3, 0),
			IsActive:        true,
			MaxUsagePerUser: 1,
			CreatedAt:       now,
		},
		{
			ID:                    "coupon-flat20k",
			Code:                  "FLAT20K",
			DiscountType:          coupon.DiscountFixed,
			FixedAmount:           20_000,
			MinimumAmount:         100_000,
			ValidFrom:             now.AddDate(0, 0, -1),
			ValidUntil:            now.AddDate(0, 1, 0),
			IsActive:              true,
			MaxUsage:              100,
			ApplicableConsultants: []string{demoConsultantID},
			CreatedAt:             now,
		},
	}
	for _, c := range demo {
		if err := h.store.SaveCoupon(ctx, c); err != nil {
			return fmt.Errorf("failed to save coupon %s: %w", c.Code, err)
		}
	}
	return nil
}

func loadBusyWeekScenario(ctx context.Context, h *Handler) error {
	if err := loadSingleConsultantScenario(ctx, h); err != nil {
		return err
	}
	loc, err := time.LoadLocation(demoTimezone)
	if err != nil {
		return err
	}
	today := h.engine.Now().In(loc)
	monday := nextWeekday(today, time.Monday)
	wednesday := nextWeekday(today, time.Wednesday)

	from, to := availability.NewClock(13, 0), availability.NewClock(17, 0)
	exceptions := []availability.Exception{
		{
			ID:           "busy-week-holiday",
			ConsultantID: demoConsultantID,
			Date:         monday.Format(availability.DateLayout),
			Type:         availability.ExceptionHoliday,
			Reason:       "Public holiday",
		},
		{
			ID:           "busy-week-afternoon",
			ConsultantID: demoConsultantID,
			Date:         wednesday.Format(availability.DateLayout),
			Start:        &from,
			End:          &to,
			Type:         availability.ExceptionBusy,
			Reason:       "Conference",
		},
	}
	for _, ex := range exceptions {
		if err := h.store.SaveException(ctx, ex); err != nil {
			return fmt.Errorf("failed to save exception: %w", err)
		}
	}
	return nil
}

// nextWeekday returns the first day strictly after t falling on wd.
func nextWeekday(t time.Time, wd time.Weekday) time.Time {
	days := (int(wd) - int(t.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return t.AddDate(0, 0, days)
}
