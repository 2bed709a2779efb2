/*
Package stripe adapts Stripe PaymentIntents to settlement.Gateway.

FLOW:
  Initiate creates a PaymentIntent with the payment's idempotency key, so a
  retried call after a timeout returns the same intent instead of a second
  charge. The intent id is the gateway ref. Stripe reports the outcome via
  a signed webhook; ParseWebhook turns it into a settlement.Callback.

ERRORS:
  Network failures, rate limiting and Stripe 5xx wrap
  settlement.ErrGatewayTransient. Card and request errors are permanent.
*/
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/warp/consultation-engine/settlement"
)

// intents is the part of the Stripe client the gateway calls.
type intents interface {
	New(params *stripego.PaymentIntentParams) (*stripego.PaymentIntent, error)
}

// Gateway starts charges as Stripe PaymentIntents.
type Gateway struct {
	intents       intents
	webhookSecret string
	log           *zap.Logger
}

// New returns a Gateway using secretKey. webhookSecret verifies callbacks.
func New(secretKey, webhookSecret string, log *zap.Logger) *Gateway {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return newGateway(sc.PaymentIntents, webhookSecret, log)
}

func newGateway(pi intents, webhookSecret string, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{intents: pi, webhookSecret: webhookSecret, log: log}
}

func (g *Gateway) Initiate(ctx context.Context, req settlement.InitiateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", settlement.ErrGatewayTransient, err)
	}

	params := &stripego.PaymentIntentParams{
		Amount:   stripego.Int64(int64(req.Amount)),
		Currency: stripego.String(strings.ToLower(req.Currency)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.intents.New(params)
	if err != nil {
		g.log.Warn("stripe.Initiate PaymentIntent failed",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err),
		)
		return "", classify(err)
	}
	return pi.ID, nil
}

// classify marks errors worth retrying as transient.
func classify(err error) error {
	var se *stripego.Error
	if !errors.As(err, &se) {
		// No Stripe response at all: network or timeout.
		return fmt.Errorf("%w: %v", settlement.ErrGatewayTransient, err)
	}
	if se.HTTPStatusCode >= http.StatusInternalServerError ||
		se.HTTPStatusCode == http.StatusTooManyRequests ||
		se.Type == stripego.ErrorTypeAPI {
		return fmt.Errorf("%w: %s", settlement.ErrGatewayTransient, se.Msg)
	}
	return fmt.Errorf("stripe rejected payment: %s (%s)", se.Msg, se.Code)
}

// =============================================================================
// WEBHOOK
// =============================================================================

// ErrIgnoredEvent is returned for webhook events that carry no payment outcome.
var ErrIgnoredEvent = errors.New("stripe event ignored")

// ParseWebhook verifies the Stripe-Signature header and converts
// payment_intent.succeeded / payment_intent.payment_failed into a Callback.
func (g *Gateway) ParseWebhook(payload []byte, signature string) (settlement.Callback, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return settlement.Callback{}, fmt.Errorf("invalid stripe webhook: %w", err)
	}
	return callbackFrom(event)
}

func callbackFrom(event stripego.Event) (settlement.Callback, error) {
	var success bool
	switch string(event.Type) {
	case "payment_intent.succeeded":
		success = true
	case "payment_intent.payment_failed", "payment_intent.canceled":
	default:
		return settlement.Callback{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, event.Type)
	}
	if event.Data == nil {
		return settlement.Callback{}, fmt.Errorf("stripe event %s has no data", event.ID)
	}

	var pi stripego.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return settlement.Callback{}, fmt.Errorf("failed to decode payment intent: %w", err)
	}

	cb := settlement.Callback{
		GatewayRef: pi.ID,
		PaymentID:  pi.Metadata["payment_id"],
		Success:    success,
		Raw:        []byte(event.Data.Raw),
	}
	if !success {
		cb.Reason = string(event.Type)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			cb.Reason = pi.LastPaymentError.Msg
		}
	}
	return cb, nil
}
