package booking

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/warp/consultation-engine/events"
	"github.com/warp/consultation-engine/settlement"
)

// Pay authorizes the request's payment.
//
// Wallet payments are held in one unit. Gateway payments take three steps so
// the network call never runs under a lock:
//
//	unit A   redeem coupon, record pending payment
//	         call the gateway (retried on transient errors)
//	unit B   record the gateway ref, or fail the payment and restore the coupon
//
// If the gateway never answers, the payment stays pending and the error is a
// *settlement.GatewayTimeoutError.
func (e *Engine) Pay(ctx context.Context, actor Actor, id string) (*settlement.Payment, error) {
	var p *settlement.Payment
	err := e.run(ctx, "pay", id, actor, nil, func(ctx context.Context, u *unit) error {
		r, _, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if !isClient(actor, r) && !actor.privileged() {
			return ErrForbidden
		}
		if r.Status.Terminal() {
			return refuse(r, "pay")
		}
		if r.Status == RequestOngoing {
			// Sessions only start once paid, so an ongoing request is settled
			// by its existing payment.
			return refuse(r, "pay")
		}

		var created bool
		p, created, err = e.settle.Authorize(ctx, u.s, settlement.AuthorizeInput{
			RequestID:    r.ID,
			PayerUserID:  r.ClientID,
			Amount:       r.QuotedAmount,
			Method:       r.PaymentMethod,
			CouponCode:   r.CouponCode,
			CategoryID:   r.CategoryID,
			ConsultantID: r.ConsultantID,
		})
		if err != nil {
			return err
		}
		if created && p.Status == settlement.StatusAuthorized {
			u.emit(events.PaymentAuthorized, r.ID, map[string]any{
				"payment_id": p.ID,
				"amount":     int64(p.Amount),
				"discount":   int64(p.DiscountAmount),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if p.Method != settlement.MethodGateway || p.Status != settlement.StatusPending || p.GatewayRef != "" {
		return p, nil
	}

	ref, gerr := e.settle.InitiateGateway(ctx, *p)
	var timeout *settlement.GatewayTimeoutError
	switch {
	case gerr == nil:
		err = e.run(ctx, "record gateway ref", id, actor, nil, func(ctx context.Context, u *unit) error {
			var err error
			p, err = e.settle.RecordGatewayRef(ctx, u.s, p.ID, ref)
			return err
		})
		if err != nil {
			return nil, err
		}
		return p, nil

	case errors.As(gerr, &timeout):
		e.log.Warn("gateway payment left pending",
			zap.String("request_id", id),
			zap.String("payment_id", p.ID),
			zap.Int("attempts", timeout.Attempts),
		)
		return p, gerr

	default:
		paymentID := p.ID
		err = e.run(ctx, "fail payment", id, actor, nil, func(ctx context.Context, u *unit) error {
			var err error
			p, err = e.settle.FailPayment(ctx, u.s, paymentID, gerr.Error())
			if err == nil && p.Status == settlement.StatusFailed {
				u.emit(events.PaymentFailed, id, map[string]any{"payment_id": p.ID, "reason": gerr.Error()})
			}
			return err
		})
		if err != nil {
			return nil, errors.Join(gerr, err)
		}
		return p, gerr
	}
}

// HandleCallback applies a gateway callback. Callbacks are idempotent by
// gateway ref and may arrive before the ref was recorded or after the
// request closed.
func (e *Engine) HandleCallback(ctx context.Context, cb settlement.Callback) (*settlement.Payment, error) {
	pre, err := e.settle.Lookup(ctx, e.store, cb)
	if err != nil {
		return nil, err
	}

	var p *settlement.Payment
	err = e.run(ctx, "confirm payment", pre.RequestID, System, nil, func(ctx context.Context, u *unit) error {
		r, err := u.s.Request(ctx, pre.RequestID)
		if err != nil {
			return err
		}
		var changed bool
		p, changed, err = e.settle.Confirm(ctx, u.s, cb, !r.Status.Terminal())
		if err != nil || !changed {
			return err
		}
		payload := map[string]any{"payment_id": p.ID, "gateway_ref": p.GatewayRef, "amount": int64(p.Amount)}
		switch p.Status {
		case settlement.StatusAuthorized:
			u.emit(events.PaymentAuthorized, r.ID, payload)
		case settlement.StatusRefunded:
			u.emit(events.PaymentRefunded, r.ID, payload)
		case settlement.StatusFailed:
			u.emit(events.PaymentFailed, r.ID, payload)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// paid reports whether the request's payment is authorized.
func paid(ctx context.Context, s Store, requestID string) (bool, error) {
	payments, err := s.PaymentsByRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	for _, p := range payments {
		if p.Type != settlement.PaymentRefund && p.Status == settlement.StatusAuthorized {
			return true, nil
		}
	}
	return false, nil
}
