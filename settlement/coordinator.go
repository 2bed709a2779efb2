package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warp/consultation-engine/coupon"
	"github.com/warp/consultation-engine/ledger"
)

// ErrInvalidMethod is returned for unknown payment methods.
var ErrInvalidMethod = errors.New("invalid payment method")

// Store is everything a settlement unit touches.
type Store interface {
	ledger.Store
	coupon.Store

	CreatePayment(ctx context.Context, p Payment) error
	Payment(ctx context.Context, id string) (*Payment, error)
	PaymentByGatewayRef(ctx context.Context, ref string) (*Payment, error)
	PaymentsByRequest(ctx context.Context, requestID string) ([]Payment, error)

	// UpdatePayment writes p only if the stored status is still from.
	// Fails with ErrPaymentConflict otherwise.
	UpdatePayment(ctx context.Context, p Payment, from PaymentStatus) error
}

// Options configures a Coordinator.
type Options struct {
	Currency             string
	PlatformUserID       string
	GatewayMaxAttempts   int
	GatewayRetryInterval time.Duration
}

// Coordinator authorizes, captures and refunds booking payments.
type Coordinator struct {
	ledger  *ledger.Ledger
	coupons *coupon.Evaluator
	gateway Gateway
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

func NewCoordinator(l *ledger.Ledger, coupons *coupon.Evaluator, gw Gateway, opts Options, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.GatewayMaxAttempts <= 0 {
		opts.GatewayMaxAttempts = 1
	}
	return &Coordinator{ledger: l, coupons: coupons, gateway: gw, opts: opts, log: log, now: time.Now}
}

// WithClock overrides the time source.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	cp := *c
	cp.now = now
	cp.ledger = c.ledger.WithClock(now)
	cp.coupons = c.coupons.WithClock(now)
	return &cp
}

// Coupons exposes the evaluator used for redemption.
func (c *Coordinator) Coupons() *coupon.Evaluator { return c.coupons }

// =============================================================================
// AUTHORIZE
// =============================================================================

// AuthorizeInput describes the first payment for a request.
type AuthorizeInput struct {
	RequestID    string
	PayerUserID  string
	Amount       ledger.Amount // before discount
	Method       Method
	CouponCode   string
	CategoryID   string
	ConsultantID string
}

// Authorize records the request's payment inside s. The coupon is redeemed
// in the same unit. Wallet payments are held immediately; gateway payments
// are recorded as pending and must be sent with InitiateGateway after the
// unit commits. An open payment for the request is returned as is, with
// created false.
func (c *Coordinator) Authorize(ctx context.Context, s Store, in AuthorizeInput) (p *Payment, created bool, err error) {
	if !in.Amount.IsPositive() {
		return nil, false, ledger.ErrInvalidAmount
	}
	if !in.Method.Valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidMethod, in.Method)
	}

	payments, err := s.PaymentsByRequest(ctx, in.RequestID)
	if err != nil {
		return nil, false, err
	}
	if open := openPayment(payments); open != nil {
		return open, false, nil
	}

	quote, _, err := c.coupons.Redeem(ctx, s, coupon.Candidate{
		Code:         in.CouponCode,
		UserID:       in.PayerUserID,
		Amount:       in.Amount,
		CategoryID:   in.CategoryID,
		ConsultantID: in.ConsultantID,
	}, in.RequestID)
	if err != nil {
		return nil, false, err
	}

	now := c.now().UTC()
	np := Payment{
		ID:             uuid.NewString(),
		RequestID:      in.RequestID,
		PayerUserID:    in.PayerUserID,
		Type:           PaymentFull,
		Method:         in.Method,
		Amount:         quote.FinalAmount,
		OriginalAmount: in.Amount,
		DiscountAmount: quote.DiscountAmount,
		Status:         StatusPending,
		CouponID:       quote.CouponID,
		IdempotencyKey: fmt.Sprintf("%s:authorize:%d", in.RequestID, len(payments)+1),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	switch {
	case np.Amount.IsZero():
		np.Status = StatusAuthorized
	case np.Method == MethodWallet:
		if err := c.hold(ctx, s, np); err != nil {
			return nil, false, err
		}
		np.Status = StatusAuthorized
	}

	if err := s.CreatePayment(ctx, np); err != nil {
		return nil, false, fmt.Errorf("failed to record payment: %w", err)
	}
	return &np, true, nil
}

func (c *Coordinator) hold(ctx context.Context, s Store, p Payment) error {
	l := c.ledger.Bind(s)
	w, err := l.OpenWallet(ctx, p.PayerUserID, c.opts.Currency)
	if err != nil {
		return err
	}
	_, err = l.Hold(ctx, ledger.Entry{
		WalletID:       w.ID,
		Amount:         p.Amount,
		Type:           ledger.TxHold,
		ReferenceType:  "payment",
		ReferenceID:    p.ID,
		IdempotencyKey: p.LedgerKey("hold"),
		Description:    "hold for request " + p.RequestID,
	})
	return err
}

// =============================================================================
// GATEWAY
// =============================================================================

// InitiateGateway sends a pending payment to the gateway. It must be called
// outside any atomic unit or lock. Transient failures are retried, paced by
// GatewayRetryInterval; when attempts run out the result is a
// *GatewayTimeoutError and the payment stays pending.
func (c *Coordinator) InitiateGateway(ctx context.Context, p Payment) (string, error) {
	if c.gateway == nil {
		return "", fmt.Errorf("no payment gateway configured")
	}
	every := rate.Inf
	if c.opts.GatewayRetryInterval > 0 {
		every = rate.Every(c.opts.GatewayRetryInterval)
	}
	limiter := rate.NewLimiter(every, 1)

	req := InitiateRequest{
		Amount:         p.Amount,
		Currency:       c.opts.Currency,
		IdempotencyKey: p.IdempotencyKey,
		Metadata: map[string]string{
			"payment_id": p.ID,
			"request_id": p.RequestID,
		},
	}

	var last error
	for attempt := 1; attempt <= c.opts.GatewayMaxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return "", &GatewayTimeoutError{PaymentID: p.ID, Attempts: attempt - 1, Last: err}
		}
		ref, err := c.gateway.Initiate(ctx, req)
		if err == nil {
			return ref, nil
		}
		if !IsRetryable(err) {
			return "", err
		}
		last = err
		c.log.Warn("gateway initiate failed",
			zap.String("payment_id", p.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return "", &GatewayTimeoutError{PaymentID: p.ID, Attempts: c.opts.GatewayMaxAttempts, Last: last}
}

// RecordGatewayRef stores the reference the gateway returned.
func (c *Coordinator) RecordGatewayRef(ctx context.Context, s Store, paymentID, ref string) (*Payment, error) {
	p, err := s.Payment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.GatewayRef == ref {
		return p, nil
	}
	if p.GatewayRef != "" {
		return nil, fmt.Errorf("%w: payment %s already has ref %s", ErrPaymentConflict, p.ID, p.GatewayRef)
	}
	from := p.Status
	p.GatewayRef = ref
	p.UpdatedAt = c.now().UTC()
	if err := s.UpdatePayment(ctx, *p, from); err != nil {
		return nil, err
	}
	return p, nil
}

// FailPayment marks a pending payment failed and gives back its coupon use.
func (c *Coordinator) FailPayment(ctx context.Context, s Store, paymentID, reason string) (*Payment, error) {
	p, err := s.Payment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return p, nil
	}
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = c.now().UTC()
	if err := s.UpdatePayment(ctx, *p, StatusPending); err != nil {
		return nil, err
	}
	if err := c.coupons.Restore(ctx, s, p.RequestID); err != nil {
		return nil, fmt.Errorf("failed to restore coupon: %w", err)
	}
	return p, nil
}

// Lookup finds the payment a callback refers to, by gateway ref first and
// then by payment id.
func (c *Coordinator) Lookup(ctx context.Context, s Store, cb Callback) (*Payment, error) {
	if cb.GatewayRef != "" {
		p, err := s.PaymentByGatewayRef(ctx, cb.GatewayRef)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrPaymentNotFound) {
			return nil, err
		}
	}
	if cb.PaymentID != "" {
		return s.Payment(ctx, cb.PaymentID)
	}
	return nil, ErrPaymentNotFound
}

// Confirm applies a gateway callback inside s. Duplicates and callbacks for
// payments already past pending are no-ops (changed is false). A successful
// charge is deposited into the client wallet; it is held for the booking
// only if requestActive, otherwise it stays in the wallet as a refund.
func (c *Coordinator) Confirm(ctx context.Context, s Store, cb Callback, requestActive bool) (p *Payment, changed bool, err error) {
	p, err = c.Lookup(ctx, s, cb)
	if err != nil {
		return nil, false, err
	}

	from := p.Status
	switch {
	case from == StatusPending:
	case from == StatusCancelled && cb.Success:
	default:
		return p, false, nil
	}

	if p.GatewayRef == "" {
		p.GatewayRef = cb.GatewayRef
	}
	p.GatewayResponse = cb.Raw
	p.UpdatedAt = c.now().UTC()

	if !cb.Success {
		p.Status = StatusFailed
		p.FailureReason = cb.Reason
		if err := s.UpdatePayment(ctx, *p, from); err != nil {
			return nil, false, err
		}
		if err := c.coupons.Restore(ctx, s, p.RequestID); err != nil {
			return nil, false, fmt.Errorf("failed to restore coupon: %w", err)
		}
		return p, true, nil
	}

	l := c.ledger.Bind(s)
	w, err := l.OpenWallet(ctx, p.PayerUserID, c.opts.Currency)
	if err != nil {
		return nil, false, err
	}
	if _, err := l.Credit(ctx, ledger.Entry{
		WalletID:       w.ID,
		Amount:         p.Amount,
		Type:           ledger.TxDeposit,
		ReferenceType:  "payment",
		ReferenceID:    p.ID,
		IdempotencyKey: p.LedgerKey("deposit"),
		Description:    "gateway charge " + p.GatewayRef,
	}); err != nil {
		return nil, false, err
	}

	if requestActive && from == StatusPending {
		if err := c.hold(ctx, s, *p); err != nil {
			return nil, false, err
		}
		p.Status = StatusAuthorized
	} else {
		p.Status = StatusRefunded
		p.FailureReason = "request closed before confirmation"
	}
	if err := s.UpdatePayment(ctx, *p, from); err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// =============================================================================
// CAPTURE & REFUND
// =============================================================================

// Split identifies who is paid when a request settles.
type Split struct {
	RequestID        string
	ConsultantUserID string
	CommissionRate   decimal.Decimal
	Reason           string
}

// Result summarizes one settlement.
type Result struct {
	Payment    *Payment // settled payment, nil when the request had none
	Refund     *Payment // refund record, nil when nothing was refunded
	Captured   ledger.Amount
	Commission ledger.Amount
	Earning    ledger.Amount
	Refunded   ledger.Amount
	Cancelled  bool // a pending gateway payment was cancelled instead
}

// Capture settles the whole authorized amount to the consultant minus
// commission.
func (c *Coordinator) Capture(ctx context.Context, s Store, sp Split) (*Result, error) {
	return c.settle(ctx, s, sp, func(ledger.Amount) (ledger.Amount, error) { return 0, nil })
}

// Refund returns amount to the client and captures the rest.
func (c *Coordinator) Refund(ctx context.Context, s Store, sp Split, amount ledger.Amount) (*Result, error) {
	if amount.IsNegative() {
		return nil, ledger.ErrInvalidAmount
	}
	return c.settle(ctx, s, sp, func(paid ledger.Amount) (ledger.Amount, error) {
		if amount > paid {
			return 0, fmt.Errorf("%w: %d > %d", ErrRefundExceedsPayment, amount, paid)
		}
		return amount, nil
	})
}

// RefundPercent refunds percent (0-100) of the authorized amount, rounded
// half away from zero, and captures the rest.
func (c *Coordinator) RefundPercent(ctx context.Context, s Store, sp Split, percent decimal.Decimal) (*Result, error) {
	return c.settle(ctx, s, sp, func(paid ledger.Amount) (ledger.Amount, error) {
		return RefundAmount(paid, percent), nil
	})
}

// Void refunds everything.
func (c *Coordinator) Void(ctx context.Context, s Store, sp Split) (*Result, error) {
	return c.settle(ctx, s, sp, func(paid ledger.Amount) (ledger.Amount, error) { return paid, nil })
}

// RefundAmount applies a 0-100 percentage to paid, clamped to [0, paid].
func RefundAmount(paid ledger.Amount, percent decimal.Decimal) ledger.Amount {
	r := paid.MulRate(percent.Div(decimal.NewFromInt(100)))
	if r < 0 {
		return 0
	}
	return r.Min(paid)
}

func (c *Coordinator) settle(ctx context.Context, s Store, sp Split, refundOf func(ledger.Amount) (ledger.Amount, error)) (*Result, error) {
	payments, err := s.PaymentsByRequest(ctx, sp.RequestID)
	if err != nil {
		return nil, err
	}
	p := openPayment(payments)
	res := &Result{Payment: p}
	if p == nil {
		return res, nil
	}
	now := c.now().UTC()

	// Unconfirmed gateway charge: nothing was held. A late success callback
	// deposits into the client wallet.
	if p.Status == StatusPending {
		p.Status = StatusCancelled
		p.FailureReason = sp.Reason
		p.UpdatedAt = now
		if err := s.UpdatePayment(ctx, *p, StatusPending); err != nil {
			return nil, err
		}
		if err := c.coupons.Restore(ctx, s, p.RequestID); err != nil {
			return nil, fmt.Errorf("failed to restore coupon: %w", err)
		}
		res.Cancelled = true
		return res, nil
	}

	refund, err := refundOf(p.Amount)
	if err != nil {
		return nil, err
	}
	captured := p.Amount - refund
	l := c.ledger.Bind(s)

	if p.Amount.IsPositive() {
		client, err := l.WalletByUser(ctx, p.PayerUserID)
		if err != nil {
			return nil, err
		}

		if refund.IsPositive() {
			if _, err := l.Release(ctx, ledger.Entry{
				WalletID:       client.ID,
				Amount:         refund,
				Type:           ledger.TxRefund,
				ReferenceType:  "payment",
				ReferenceID:    p.ID,
				IdempotencyKey: p.LedgerKey("refund"),
				Description:    sp.Reason,
			}); err != nil {
				return nil, err
			}
		}

		if captured.IsPositive() {
			commission, earning, err := c.capture(ctx, l, *p, client.ID, captured, sp)
			if err != nil {
				return nil, err
			}
			res.Commission, res.Earning = commission, earning
		}
	}

	p.CommissionAmount = res.Commission
	p.UpdatedAt = now
	switch {
	case refund.IsZero():
		p.Status = StatusCompleted
	case captured.IsZero():
		p.Status = StatusRefunded
	default:
		p.Status = StatusPartiallyRefunded
	}
	if err := s.UpdatePayment(ctx, *p, StatusAuthorized); err != nil {
		return nil, err
	}
	res.Captured, res.Refunded = captured, refund

	if refund.IsPositive() {
		rp := Payment{
			ID:             uuid.NewString(),
			RequestID:      p.RequestID,
			PayerUserID:    p.PayerUserID,
			Type:           PaymentRefund,
			Method:         p.Method,
			Amount:         refund,
			OriginalAmount: p.Amount,
			Status:         StatusCompleted,
			IdempotencyKey: p.ID + ":refund",
			FailureReason:  sp.Reason,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.CreatePayment(ctx, rp); err != nil {
			return nil, fmt.Errorf("failed to record refund: %w", err)
		}
		res.Refund = &rp
	}

	// A fully refunded booking gives its coupon use back.
	if captured.IsZero() && p.CouponID != "" {
		if err := c.coupons.Restore(ctx, s, p.RequestID); err != nil {
			return nil, fmt.Errorf("failed to restore coupon: %w", err)
		}
	}
	return res, nil
}

func (c *Coordinator) capture(ctx context.Context, l *ledger.Ledger, p Payment, client ledger.WalletID, amount ledger.Amount, sp Split) (commission, earning ledger.Amount, err error) {
	if _, err := l.Capture(ctx, ledger.Entry{
		WalletID:       client,
		Amount:         amount,
		Type:           ledger.TxPayment,
		ReferenceType:  "payment",
		ReferenceID:    p.ID,
		IdempotencyKey: p.LedgerKey("capture"),
		Description:    "payment for request " + p.RequestID,
	}); err != nil {
		return 0, 0, err
	}

	commission = amount.MulRate(sp.CommissionRate)
	if commission < 0 {
		commission = 0
	}
	commission = commission.Min(amount)
	earning = amount - commission

	if earning.IsPositive() {
		if err := c.credit(ctx, l, sp.ConsultantUserID, earning, ledger.TxEarning, p, "earning"); err != nil {
			return 0, 0, err
		}
	}
	if commission.IsPositive() {
		if err := c.credit(ctx, l, c.opts.PlatformUserID, commission, ledger.TxCommission, p, "commission"); err != nil {
			return 0, 0, err
		}
	}
	return commission, earning, nil
}

func (c *Coordinator) credit(ctx context.Context, l *ledger.Ledger, userID string, amount ledger.Amount, typ ledger.TxType, p Payment, op string) error {
	w, err := l.OpenWallet(ctx, userID, c.opts.Currency)
	if err != nil {
		return err
	}
	_, err = l.Credit(ctx, ledger.Entry{
		WalletID:       w.ID,
		Amount:         amount,
		Type:           typ,
		ReferenceType:  "payment",
		ReferenceID:    p.ID,
		IdempotencyKey: p.LedgerKey(op),
		Description:    string(typ) + " for request " + p.RequestID,
	})
	return err
}

// openPayment returns the payment currently backing the request, if any.
func openPayment(payments []Payment) *Payment {
	for i := range payments {
		p := payments[i]
		if p.Type != PaymentRefund && p.Status.Open() {
			return &p
		}
	}
	return nil
}
