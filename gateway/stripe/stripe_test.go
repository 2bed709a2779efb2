package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/consultation-engine/settlement"
)

type fakeIntents struct {
	got *stripego.PaymentIntentParams
	err error
}

func (f *fakeIntents) New(params *stripego.PaymentIntentParams) (*stripego.PaymentIntent, error) {
	f.got = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripego.PaymentIntent{ID: "pi_123"}, nil
}

func TestInitiate_SendsIdempotencyKeyAndMetadata(t *testing.T) {
	fake := &fakeIntents{}
	g := newGateway(fake, "", nil)

	ref, err := g.Initiate(context.Background(), settlement.InitiateRequest{
		Amount: 150000, Currency: "USD", IdempotencyKey: "req-1:authorize:1",
		Metadata: map[string]string{"payment_id": "p-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", ref)

	require.NotNil(t, fake.got)
	assert.Equal(t, int64(150000), *fake.got.Amount)
	assert.Equal(t, "usd", *fake.got.Currency)
	assert.Equal(t, "req-1:authorize:1", *fake.got.IdempotencyKey)
	assert.Equal(t, "p-1", fake.got.Metadata["payment_id"])
}

func TestInitiate_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"network", errors.New("dial tcp: i/o timeout"), true},
		{"server error", &stripego.Error{HTTPStatusCode: http.StatusBadGateway, Msg: "bad gateway"}, true},
		{"rate limited", &stripego.Error{HTTPStatusCode: http.StatusTooManyRequests, Msg: "slow down"}, true},
		{"card declined", &stripego.Error{HTTPStatusCode: http.StatusPaymentRequired, Type: stripego.ErrorTypeCard, Msg: "declined"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(&fakeIntents{err: tt.err}, "", nil)
			_, err := g.Initiate(context.Background(), settlement.InitiateRequest{Amount: 1, Currency: "usd", IdempotencyKey: "k"})
			require.Error(t, err)
			assert.Equal(t, tt.retryable, settlement.IsRetryable(err))
		})
	}
}

func sign(secret string, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestParseWebhook(t *testing.T) {
	const secret = "whsec_test"
	g := newGateway(&fakeIntents{}, secret, nil)

	succeeded := []byte(`{"id":"evt_1","object":"event","api_version":"2023-10-16","type":"payment_intent.succeeded",
		"data":{"object":{"id":"pi_123","object":"payment_intent","metadata":{"payment_id":"p-1"}}}}`)
	cb, err := g.ParseWebhook(succeeded, sign(secret, succeeded, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "pi_123", cb.GatewayRef)
	assert.Equal(t, "p-1", cb.PaymentID)
	assert.True(t, cb.Success)

	failed := []byte(`{"id":"evt_2","object":"event","api_version":"2023-10-16","type":"payment_intent.payment_failed",
		"data":{"object":{"id":"pi_123","object":"payment_intent","last_payment_error":{"message":"card declined"}}}}`)
	cb, err = g.ParseWebhook(failed, sign(secret, failed, time.Now()))
	require.NoError(t, err)
	assert.False(t, cb.Success)
	assert.Equal(t, "card declined", cb.Reason)

	_, err = g.ParseWebhook(succeeded, sign("wrong", succeeded, time.Now()))
	assert.Error(t, err)

	other := []byte(`{"id":"evt_3","object":"event","api_version":"2023-10-16","type":"customer.created","data":{"object":{}}}`)
	_, err = g.ParseWebhook(other, sign(secret, other, time.Now()))
	assert.ErrorIs(t, err, ErrIgnoredEvent)
}
