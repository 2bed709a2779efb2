/*
Package settlement moves booking money through the wallet ledger.

PURPOSE:
  The Coordinator is the only writer to the ledger on behalf of bookings.
  Every method except InitiateGateway takes a Store that is an already-open
  atomic unit, so the booking transition and its money movement commit or
  roll back together.

MONEY FLOW:
  authorize (wallet)   client: balance -> frozen                      (hold)
  authorize (gateway)  pending record; the callback deposits to the
                       client wallet and then holds it
  capture              client: frozen -C                              (capture)
                       consultant: +(C - commission)                  (earning)
                       platform:   +commission                        (commission)
  refund               client: frozen -> balance for R                (refund)
                       remainder A - R is captured and split as above

  Conservation: client capture == consultant earning + platform commission.

IDEMPOTENCY:
  Ledger keys are "payment:<payment id>:<operation>". The gateway is called
  with the payment's idempotency key "<request id>:authorize", so retries
  after a timeout never create a second charge.
*/
package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/warp/consultation-engine/ledger"
)

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentType string

const (
	PaymentPrepayment PaymentType = "prepayment"
	PaymentFull       PaymentType = "full"
	PaymentCompletion PaymentType = "completion"
	PaymentRefund     PaymentType = "refund"
)

// Method is how a client funds a booking.
type Method string

const (
	MethodWallet  Method = "wallet"
	MethodGateway Method = "gateway"
)

func (m Method) Valid() bool { return m == MethodWallet || m == MethodGateway }

type PaymentStatus string

const (
	StatusPending           PaymentStatus = "pending"
	StatusAuthorized        PaymentStatus = "authorized"
	StatusCompleted         PaymentStatus = "completed"
	StatusFailed            PaymentStatus = "failed"
	StatusCancelled         PaymentStatus = "cancelled"
	StatusRefunded          PaymentStatus = "refunded"
	StatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Open reports whether the payment still backs the booking.
func (s PaymentStatus) Open() bool { return s == StatusPending || s == StatusAuthorized }

// Payment is one money movement attempt for a request.
type Payment struct {
	ID               string
	RequestID        string
	PayerUserID      string
	Type             PaymentType
	Method           Method
	Amount           ledger.Amount // charged amount after discount
	OriginalAmount   ledger.Amount
	DiscountAmount   ledger.Amount
	CommissionAmount ledger.Amount
	Status           PaymentStatus
	GatewayRef       string
	GatewayResponse  []byte // opaque, passed through unmodified
	CouponID         string
	IdempotencyKey   string
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LedgerKey builds the idempotency key for one ledger operation on p.
func (p Payment) LedgerKey(op string) string {
	return "payment:" + p.ID + ":" + op
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrPaymentNotFound is returned for unknown payment ids or gateway refs.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrPaymentConflict is returned when a conditional status update lost.
	ErrPaymentConflict = errors.New("payment status changed concurrently")

	// ErrRefundExceedsPayment is returned when a refund is larger than the
	// authorized amount.
	ErrRefundExceedsPayment = errors.New("refund exceeds authorized amount")

	// ErrGatewayTransient marks gateway failures worth retrying.
	ErrGatewayTransient = errors.New("transient gateway error")

	// ErrGatewayTimeout is the sentinel behind GatewayTimeoutError.
	ErrGatewayTimeout = errors.New("gateway confirmation not received")
)

// GatewayTimeoutError means the gateway never answered definitively. The
// payment stays pending; it is not failed.
type GatewayTimeoutError struct {
	PaymentID string
	Attempts  int
	Last      error
}

func (e *GatewayTimeoutError) Error() string {
	return fmt.Sprintf("payment %s pending after %d gateway attempts: %v", e.PaymentID, e.Attempts, e.Last)
}

func (e *GatewayTimeoutError) Unwrap() error { return ErrGatewayTimeout }

// IsRetryable returns true if the error is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayTransient)
}
