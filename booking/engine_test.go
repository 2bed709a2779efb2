package booking_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/consultation-engine/availability"
	"github.com/warp/consultation-engine/booking"
	"github.com/warp/consultation-engine/coupon"
	"github.com/warp/consultation-engine/events"
	"github.com/warp/consultation-engine/ledger"
	"github.com/warp/consultation-engine/settlement"
	"github.com/warp/consultation-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const price ledger.Amount = 150000

var (
	// Sunday; the booked window is Monday 10:00-11:00 UTC.
	t0    = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	start = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	client     = booking.Actor{UserID: "client-1", Role: booking.RoleClient}
	consultant = booking.Actor{UserID: "user-c1", Role: booking.RoleConsultant}
	stranger   = booking.Actor{UserID: "someone", Role: booking.RoleClient}
)

type gateway struct {
	err error
}

func (g *gateway) Initiate(_ context.Context, req settlement.InitiateRequest) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return "gw-" + req.IdempotencyKey, nil
}

type harness struct {
	engine *booking.Engine
	store  *sqlite.Store
	ledger *ledger.Ledger
	events *events.Recorder
	gw     *gateway
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	require.NoError(t, store.SaveConsultantProfile(ctx, availability.Profile{
		ConsultantID: "cons-1", UserID: "user-c1", Timezone: "UTC", IsAcceptingRequests: true,
		HourlyRate: int64(price), EmergencyRate: 240000,
	}))
	require.NoError(t, store.SaveSlot(ctx, availability.Slot{
		ID: "mon", ConsultantID: "cons-1", Weekday: time.Monday,
		Start: availability.NewClock(9, 0), End: availability.NewClock(17, 0), IsActive: true,
	}))

	h := &harness{store: store, ledger: ledger.New(store, nil), events: &events.Recorder{}, gw: &gateway{}, now: t0}
	coord := settlement.NewCoordinator(h.ledger, coupon.NewEvaluator(store), h.gw, settlement.Options{
		Currency:           "IRR",
		PlatformUserID:     "platform",
		GatewayMaxAttempts: 2,
	}, nil)
	h.engine = booking.NewEngine(booking.Deps{
		Store:      store,
		Settlement: coord,
		Events:     h.events,
		Now:        func() time.Time { return h.now },
	})
	return h
}

func (h *harness) fund(t *testing.T, user string, amount ledger.Amount) {
	ctx := context.Background()
	w, err := h.ledger.OpenWallet(ctx, user, "IRR")
	require.NoError(t, err)
	_, err = h.ledger.Credit(ctx, ledger.Entry{
		WalletID: w.ID, Amount: amount, Type: ledger.TxDeposit, IdempotencyKey: "fund:" + user,
	})
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, user string) (ledger.Amount, ledger.Amount) {
	w, err := h.ledger.WalletByUser(context.Background(), user)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return 0, 0
	}
	require.NoError(t, err)
	return w.Balance, w.FrozenBalance
}

func (h *harness) create(t *testing.T, method settlement.Method) *booking.Request {
	r, err := h.engine.Create(context.Background(), booking.CreateInput{
		ClientID:        client.UserID,
		ConsultantID:    "cons-1",
		Title:           "contract review",
		ServiceType:     booking.ServiceVideo,
		DurationMinutes: 60,
		ScheduledAt:     start,
		PaymentMethod:   method,
	})
	require.NoError(t, err)
	return r
}

// scheduled returns an accepted request paid from the client wallet.
func (h *harness) scheduled(t *testing.T) *booking.Request {
	ctx := context.Background()
	h.fund(t, client.UserID, 200000)
	r := h.create(t, settlement.MethodWallet)
	_, _, err := h.engine.Accept(ctx, consultant, r.ID)
	require.NoError(t, err)
	p, err := h.engine.Pay(ctx, client, r.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.StatusAuthorized, p.Status)
	return r
}

func (h *harness) status(t *testing.T, id string) booking.RequestStatus {
	r, err := h.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestLifecycle_CompletedSessionSplitsPayment(t *testing.T) {
	// GIVEN: A wallet-paid scheduled request for 150000 at 20% commission
	// WHEN: Both parties join at the start and the client completes it
	// THEN: Consultant gets 120000, platform 30000, client hold is gone

	h := newHarness(t)
	ctx := context.Background()
	r := h.scheduled(t)

	_, frozen := h.balance(t, client.UserID)
	assert.Equal(t, price, frozen)

	h.now = start
	s, err := h.engine.Join(ctx, client, r.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.SessionOngoing, s.Status)
	assert.Equal(t, booking.RequestOngoing, h.status(t, r.ID))

	h.now = start.Add(5 * time.Minute)
	_, err = h.engine.Join(ctx, consultant, r.ID)
	require.NoError(t, err)

	h.now = start.Add(55 * time.Minute)
	done, err := h.engine.Complete(ctx, client, r.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.RequestCompleted, done.Status)

	balance, frozen := h.balance(t, client.UserID)
	assert.Equal(t, ledger.Amount(50000), balance)
	assert.Equal(t, ledger.Amount(0), frozen)
	earning, _ := h.balance(t, consultant.UserID)
	assert.Equal(t, ledger.Amount(120000), earning)
	commission, _ := h.balance(t, "platform")
	assert.Equal(t, ledger.Amount(30000), commission)

	sess, err := h.engine.Session(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.SessionCompleted, sess.Status)
	require.NotNil(t, sess.ActualEnd)

	assert.Equal(t, []events.Name{
		events.RequestCreated,
		events.RequestAccepted,
		events.PaymentAuthorized,
		events.SessionStarted,
		events.SessionCompleted,
		events.PaymentCaptured,
	}, h.events.Names())
}

func TestComplete_RequiresBothParties(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.scheduled(t)

	h.now = start
	_, err := h.engine.Join(ctx, client, r.ID)
	require.NoError(t, err)

	_, err = h.engine.Complete(ctx, client, r.ID)
	assert.ErrorIs(t, err, booking.ErrPartyAbsent)
	assert.Equal(t, booking.RequestOngoing, h.status(t, r.ID))
}

// =============================================================================
// CREATE VALIDATION
// =============================================================================

func TestCreate_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	base := booking.CreateInput{
		ClientID: client.UserID, ConsultantID: "cons-1", ServiceType: booking.ServiceVideo,
		DurationMinutes: 60, ScheduledAt: start, PaymentMethod: settlement.MethodWallet,
	}

	past := base
	past.ScheduledAt = t0.Add(-time.Hour)
	_, err := h.engine.Create(ctx, past)
	assert.ErrorIs(t, err, booking.ErrValidation)

	late := base
	late.ScheduledAt = start.Add(8 * time.Hour)
	_, err = h.engine.Create(ctx, late)
	assert.ErrorIs(t, err, availability.ErrNotBookable)
	assert.Equal(t, availability.ReasonOutOfHours, availability.ReasonOf(err))

	badCoupon := base
	badCoupon.CouponCode = "NOPE"
	_, err = h.engine.Create(ctx, badCoupon)
	assert.ErrorIs(t, err, coupon.ErrInvalidCoupon)

	unknown := base
	unknown.ConsultantID = "cons-x"
	_, err = h.engine.Create(ctx, unknown)
	assert.ErrorIs(t, err, availability.ErrConsultantNotFound)

	requests, err := h.engine.ListByClient(ctx, client.UserID)
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func TestCreate_QuotesFromConsultantRate(t *testing.T) {
	// GIVEN: cons-1 charges 150000 per hour, 240000 for immediate requests
	// WHEN: Scheduled and immediate requests of different lengths are created
	// THEN: The quote is rate x minutes / 60; an unpriced consultant is not bookable

	h := newHarness(t)
	ctx := context.Background()

	r, err := h.engine.Create(ctx, booking.CreateInput{
		ClientID: client.UserID, ConsultantID: "cons-1", ServiceType: booking.ServiceVoice,
		DurationMinutes: 45, ScheduledAt: start, PaymentMethod: settlement.MethodWallet,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(112500), r.QuotedAmount)

	now, err := h.engine.Create(ctx, booking.CreateInput{
		ClientID: client.UserID, ConsultantID: "cons-1", ServiceType: booking.ServiceText,
		DurationMinutes: 20, Immediate: true, PaymentMethod: settlement.MethodWallet,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(80000), now.QuotedAmount)

	require.NoError(t, h.store.SaveConsultantProfile(ctx, availability.Profile{
		ConsultantID: "cons-free", UserID: "user-free", Timezone: "UTC", IsAcceptingRequests: true,
	}))
	_, err = h.engine.Create(ctx, booking.CreateInput{
		ClientID: client.UserID, ConsultantID: "cons-free", ServiceType: booking.ServiceText,
		DurationMinutes: 20, Immediate: true, PaymentMethod: settlement.MethodWallet,
	})
	assert.ErrorIs(t, err, availability.ErrNotBookable)
	assert.Equal(t, availability.ReasonUnpriced, availability.ReasonOf(err))
}

// =============================================================================
// ACCEPT
// =============================================================================

func TestAccept_ConcurrentAcceptsHaveOneWinner(t *testing.T) {
	// GIVEN: One pending request
	// WHEN: The consultant accepts it from two places at once
	// THEN: One accept wins, the other gets ErrConflict, one session exists

	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, settlement.MethodWallet)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := h.engine.Accept(ctx, consultant, r.ID)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, booking.ErrConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, booking.RequestScheduled, h.status(t, r.ID))

	_, err := h.engine.Session(ctx, r.ID)
	assert.NoError(t, err)
}

func TestAccept_SameWindowNeverDoubleBooked(t *testing.T) {
	// GIVEN: Two pending requests for the same window
	// WHEN: Both are accepted concurrently
	// THEN: Exactly one is scheduled; the other stays pending as double_booked

	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, settlement.MethodWallet)
	b := h.create(t, settlement.MethodWallet)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = map[string]error{}
	)
	for _, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _, err := h.engine.Accept(ctx, consultant, id)
			mu.Lock()
			errs[id] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	var won, lost string
	for id, err := range errs {
		if err == nil {
			won = id
		} else {
			lost = id
			assert.Equal(t, availability.ReasonDoubleBooked, availability.ReasonOf(err))
		}
	}
	require.NotEmpty(t, won)
	require.NotEmpty(t, lost)
	assert.Equal(t, booking.RequestScheduled, h.status(t, won))
	assert.Equal(t, booking.RequestPending, h.status(t, lost))
}

func TestAccept_Refusals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, settlement.MethodWallet)

	_, _, err := h.engine.Accept(ctx, stranger, r.ID)
	assert.ErrorIs(t, err, booking.ErrForbidden)

	_, _, err = h.engine.Accept(ctx, client, r.ID)
	assert.ErrorIs(t, err, booking.ErrForbidden, "a client cannot accept their own request")

	h.now = t0.Add(25 * time.Hour)
	_, _, err = h.engine.Accept(ctx, consultant, r.ID)
	assert.ErrorIs(t, err, booking.ErrRequestExpired)

	_, _, err = h.engine.Accept(ctx, consultant, "missing")
	assert.ErrorIs(t, err, booking.ErrRequestNotFound)
}

func TestReject_ReleasesAdvancePayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, client.UserID, price)
	r := h.create(t, settlement.MethodWallet)

	_, err := h.engine.Pay(ctx, client, r.ID)
	require.NoError(t, err)

	out, err := h.engine.Reject(ctx, consultant, r.ID, "fully booked")
	require.NoError(t, err)
	assert.Equal(t, booking.RequestRejected, out.Status)
	assert.Equal(t, "fully booked", out.RejectionReason)

	balance, frozen := h.balance(t, client.UserID)
	assert.Equal(t, price, balance)
	assert.Equal(t, ledger.Amount(0), frozen)

	_, err = h.engine.Reject(ctx, consultant, r.ID, "again")
	assert.ErrorIs(t, err, booking.ErrConflict)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancel_RefundSchedule(t *testing.T) {
	tests := []struct {
		name          string
		actor         booking.Actor
		at            time.Time
		wantRefund    ledger.Amount
		wantEarning   ledger.Amount
		wantCancelled booking.Role
	}{
		{"client early", client, t0, price, 0, booking.RoleClient},
		{"client late", client, start.Add(-2 * time.Hour), 75000, 60000, booking.RoleClient},
		{"consultant late", consultant, start.Add(-2 * time.Hour), price, 0, booking.RoleConsultant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			r := h.scheduled(t)

			h.now = tt.at
			out, err := h.engine.Cancel(ctx, tt.actor, r.ID, "change of plans")
			require.NoError(t, err)
			assert.Equal(t, booking.RequestCancelled, out.Status)
			assert.Equal(t, tt.wantCancelled, out.CancelledBy)

			balance, frozen := h.balance(t, client.UserID)
			assert.Equal(t, 50000+tt.wantRefund, balance)
			assert.Equal(t, ledger.Amount(0), frozen)
			earning, _ := h.balance(t, consultant.UserID)
			assert.Equal(t, tt.wantEarning, earning)

			sess, err := h.engine.Session(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, booking.SessionCancelled, sess.Status)
		})
	}
}

func TestCancel_TerminalAndOngoing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.scheduled(t)

	other, err := h.engine.Create(ctx, booking.CreateInput{
		ClientID: client.UserID, ConsultantID: "cons-1", ServiceType: booking.ServiceText,
		DurationMinutes: 30, ScheduledAt: start.Add(3 * time.Hour),
		PaymentMethod: settlement.MethodWallet,
	})
	require.NoError(t, err)
	cancelled, err := h.engine.Cancel(ctx, client, other.ID, "")
	require.NoError(t, err)
	assert.Equal(t, booking.RequestCancelled, cancelled.Status)

	_, err = h.engine.Cancel(ctx, client, other.ID, "")
	assert.ErrorIs(t, err, booking.ErrAlreadyFinal)

	h.now = start
	_, err = h.engine.Join(ctx, client, r.ID)
	require.NoError(t, err)

	_, err = h.engine.Cancel(ctx, client, r.ID, "too late")
	var conflict *booking.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, booking.RequestOngoing, conflict.Current)

	_, err = h.engine.Cancel(ctx, stranger, r.ID, "")
	assert.ErrorIs(t, err, booking.ErrForbidden)
}

// =============================================================================
// PAYMENT
// =============================================================================

func TestPay_InsufficientFundsLeavesRequestPayable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, client.UserID, 1000)
	r := h.create(t, settlement.MethodWallet)

	_, err := h.engine.Pay(ctx, client, r.ID)
	var insufficient *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, price-1000, insufficient.Shortfall())

	payments, err := h.engine.Payments(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)

	_, err = h.engine.Pay(ctx, stranger, r.ID)
	assert.ErrorIs(t, err, booking.ErrForbidden)
}

func TestPay_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, client.UserID, 500000)
	r := h.create(t, settlement.MethodWallet)

	first, err := h.engine.Pay(ctx, client, r.ID)
	require.NoError(t, err)
	second, err := h.engine.Pay(ctx, client, r.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, frozen := h.balance(t, client.UserID)
	assert.Equal(t, price, frozen)
}

func TestGateway_CallbackAuthorizesOnce(t *testing.T) {
	// GIVEN: A gateway-paid request with a recorded ref
	// WHEN: The success callback is delivered twice
	// THEN: The payment is authorized once and one event is emitted

	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, settlement.MethodGateway)

	p, err := h.engine.Pay(ctx, client, r.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusPending, p.Status)
	require.NotEmpty(t, p.GatewayRef)

	for i := 0; i < 2; i++ {
		got, err := h.engine.HandleCallback(ctx, settlement.Callback{GatewayRef: p.GatewayRef, Success: true})
		require.NoError(t, err)
		assert.Equal(t, settlement.StatusAuthorized, got.Status)
	}

	_, frozen := h.balance(t, client.UserID)
	assert.Equal(t, price, frozen)

	var authorized int
	for _, n := range h.events.Names() {
		if n == events.PaymentAuthorized {
			authorized++
		}
	}
	assert.Equal(t, 1, authorized)
}

func TestGateway_TimeoutThenCallbackByPaymentID(t *testing.T) {
	// GIVEN: The gateway never answers, so the payment stays pending without a ref
	// WHEN: The callback arrives carrying the payment id
	// THEN: The payment is authorized and the ref is recorded

	h := newHarness(t)
	ctx := context.Background()
	h.gw.err = fmt.Errorf("%w: 504", settlement.ErrGatewayTransient)
	r := h.create(t, settlement.MethodGateway)

	p, err := h.engine.Pay(ctx, client, r.ID)
	assert.ErrorIs(t, err, settlement.ErrGatewayTimeout)
	require.NotNil(t, p)
	assert.Equal(t, settlement.StatusPending, p.Status)

	got, err := h.engine.HandleCallback(ctx, settlement.Callback{PaymentID: p.ID, GatewayRef: "late-ref", Success: true})
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusAuthorized, got.Status)
	assert.Equal(t, "late-ref", got.GatewayRef)
}

func TestGateway_PermanentFailureAllowsRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.err = errors.New("merchant disabled")
	r := h.create(t, settlement.MethodGateway)

	p, err := h.engine.Pay(ctx, client, r.ID)
	assert.EqualError(t, err, "merchant disabled")
	assert.Equal(t, settlement.StatusFailed, p.Status)

	h.gw.err = nil
	retry, err := h.engine.Pay(ctx, client, r.ID)
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, retry.ID)
	assert.Equal(t, settlement.StatusPending, retry.Status)
}

func TestGateway_SuccessAfterCancelStaysInWallet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, settlement.MethodGateway)

	p, err := h.engine.Pay(ctx, client, r.ID)
	require.NoError(t, err)

	_, err = h.engine.Cancel(ctx, client, r.ID, "changed my mind")
	require.NoError(t, err)

	got, err := h.engine.HandleCallback(ctx, settlement.Callback{GatewayRef: p.GatewayRef, Success: true})
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusRefunded, got.Status)

	balance, frozen := h.balance(t, client.UserID)
	assert.Equal(t, price, balance)
	assert.Equal(t, ledger.Amount(0), frozen)
}

// =============================================================================
// NO-SHOW
// =============================================================================

func TestNoShow_RefundFavorsThePartyPresent(t *testing.T) {
	tests := []struct {
		name        string
		joins       []booking.Actor
		wantRefund  ledger.Amount
		wantEarning ledger.Amount
	}{
		{"consultant absent", []booking.Actor{client}, price, 0},
		{"client absent", []booking.Actor{consultant}, 0, 120000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			r := h.scheduled(t)

			h.now = start
			for _, a := range tt.joins {
				_, err := h.engine.Join(ctx, a, r.ID)
				require.NoError(t, err)
			}

			_, err := h.engine.NoShow(ctx, client, r.ID)
			assert.ErrorIs(t, err, booking.ErrNotDue, "grace period not over")

			h.now = start.Add(15 * time.Minute)
			out, err := h.engine.NoShow(ctx, tt.joins[0], r.ID)
			require.NoError(t, err)
			assert.Equal(t, booking.RequestNoShow, out.Status)

			balance, frozen := h.balance(t, client.UserID)
			assert.Equal(t, 50000+tt.wantRefund, balance)
			assert.Equal(t, ledger.Amount(0), frozen)
			earning, _ := h.balance(t, consultant.UserID)
			assert.Equal(t, tt.wantEarning, earning)
		})
	}
}

func TestNoShow_BothJoinedIsRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.scheduled(t)

	h.now = start
	for _, a := range []booking.Actor{client, consultant} {
		_, err := h.engine.Join(ctx, a, r.ID)
		require.NoError(t, err)
	}
	h.now = start.Add(20 * time.Minute)
	_, err := h.engine.NoShow(ctx, consultant, r.ID)
	assert.ErrorIs(t, err, booking.ErrPartiesPresent)
}

// =============================================================================
// JOIN
// =============================================================================

func TestJoin_Window(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.scheduled(t)

	h.now = start.Add(-30 * time.Minute)
	_, err := h.engine.Join(ctx, client, r.ID)
	assert.ErrorIs(t, err, booking.ErrNotDue)

	_, err = h.engine.Join(ctx, stranger, r.ID)
	assert.ErrorIs(t, err, booking.ErrForbidden)

	h.now = start.Add(-5 * time.Minute)
	s, err := h.engine.Join(ctx, consultant, r.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.SessionScheduled, s.Status, "an early join is recorded without starting")
	require.NotNil(t, s.ConsultantJoinedAt)
	assert.Nil(t, s.ClientJoinedAt)
	assert.Nil(t, s.ActualStart)
	assert.Equal(t, booking.RequestScheduled, h.status(t, r.ID))

	h.now = start
	s, err = h.engine.Join(ctx, client, r.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.SessionOngoing, s.Status)
	require.NotNil(t, s.ActualStart)
	assert.True(t, s.ActualStart.Equal(start))
	assert.True(t, s.ConsultantJoinedAt.Equal(start.Add(-5*time.Minute)), "the early join is kept")
}

func TestJoin_UnpaidRecordsJoinWithoutStarting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, settlement.MethodWallet)
	_, _, err := h.engine.Accept(ctx, consultant, r.ID)
	require.NoError(t, err)

	h.now = start
	s, err := h.engine.Join(ctx, consultant, r.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.SessionScheduled, s.Status)
	require.NotNil(t, s.ConsultantJoinedAt)

	_, err = h.engine.Start(ctx, r.ID)
	assert.ErrorIs(t, err, booking.ErrPaymentPending)
}

func TestAttachRecording(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.scheduled(t)

	_, err := h.engine.AttachRecording(ctx, client, r.ID, "s3://rec/1")
	assert.ErrorIs(t, err, booking.ErrForbidden)

	s, err := h.engine.AttachRecording(ctx, consultant, r.ID, "s3://rec/1")
	require.NoError(t, err)
	assert.Equal(t, "s3://rec/1", s.RecordingURL)
}

// =============================================================================
// SWEEP
// =============================================================================

func TestSweep_ExpiresStalePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, settlement.MethodWallet)

	rep, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Expired)

	h.now = t0.Add(24*time.Hour + time.Second)
	rep, err = h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)

	got, err := h.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.RequestCancelled, got.Status)
	assert.Equal(t, booking.RoleSystem, got.CancelledBy)
}

func TestSweep_StartsPaidAndCancelsUnpaid(t *testing.T) {
	// GIVEN: One paid and one unpaid scheduled request at different times
	// WHEN: The sweep runs at the start and again past the join grace
	// THEN: The paid one starts; the unpaid one is cancelled by the system

	h := newHarness(t)
	ctx := context.Background()
	paidReq := h.scheduled(t)

	unpaid, err := h.engine.Create(ctx, booking.CreateInput{
		ClientID: "client-2", ConsultantID: "cons-1", ServiceType: booking.ServiceVoice,
		DurationMinutes: 30, ScheduledAt: start.Add(2 * time.Hour),
		PaymentMethod: settlement.MethodWallet,
	})
	require.NoError(t, err)
	_, _, err = h.engine.Accept(ctx, consultant, unpaid.ID)
	require.NoError(t, err)

	h.now = start
	rep, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Started)
	assert.Equal(t, booking.RequestOngoing, h.status(t, paidReq.ID))

	h.now = start.Add(2*time.Hour + 5*time.Minute)
	rep, err = h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Cancelled, "still inside the join grace")
	assert.Equal(t, 1, rep.NoShows, "nobody joined the paid session")

	h.now = start.Add(2*time.Hour + 15*time.Minute)
	rep, err = h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Cancelled)
	assert.Equal(t, booking.RequestCancelled, h.status(t, unpaid.ID))
	assert.Equal(t, booking.RequestNoShow, h.status(t, paidReq.ID))

	// Both parties absent: full refund.
	balance, frozen := h.balance(t, client.UserID)
	assert.Equal(t, ledger.Amount(200000), balance)
	assert.Equal(t, ledger.Amount(0), frozen)
}

func TestSweep_ShortSessionNoShowAtItsEnd(t *testing.T) {
	// GIVEN: A paid 10-minute session, shorter than the 15-minute join grace
	// WHEN: Only the consultant joins and sweeps run before and at the end
	// THEN: Nothing fails early; the no-show is declared once, at the end

	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, client.UserID, 200000)
	r, err := h.engine.Create(ctx, booking.CreateInput{
		ClientID: client.UserID, ConsultantID: "cons-1", ServiceType: booking.ServiceVoice,
		DurationMinutes: 10, ScheduledAt: start, PaymentMethod: settlement.MethodWallet,
	})
	require.NoError(t, err)
	_, _, err = h.engine.Accept(ctx, consultant, r.ID)
	require.NoError(t, err)
	_, err = h.engine.Pay(ctx, client, r.ID)
	require.NoError(t, err)

	h.now = start
	_, err = h.engine.Join(ctx, consultant, r.ID)
	require.NoError(t, err)

	h.now = start.Add(5 * time.Minute)
	rep, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, booking.SweepReport{}, rep)

	h.now = start.Add(10 * time.Minute)
	rep, err = h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, booking.SweepReport{NoShows: 1}, rep)
	assert.Equal(t, booking.RequestNoShow, h.status(t, r.ID))
}

func TestSweep_CompletesEndedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.scheduled(t)

	h.now = start
	for _, a := range []booking.Actor{client, consultant} {
		_, err := h.engine.Join(ctx, a, r.ID)
		require.NoError(t, err)
	}

	h.now = start.Add(time.Hour)
	rep, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Completed)
	assert.Equal(t, booking.RequestCompleted, h.status(t, r.ID))
}
