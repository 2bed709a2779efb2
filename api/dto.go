/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the wire contract: money is an integer in minor
  units, times are RFC 3339, enums are their string values.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry validator/v10 struct tags. decode() runs them before
  a handler sees the value; domain rules are re-checked by the engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/consultation-engine/availability"
	"github.com/warp/consultation-engine/booking"
	"github.com/warp/consultation-engine/coupon"
	"github.com/warp/consultation-engine/ledger"
	"github.com/warp/consultation-engine/settlement"
)

// =============================================================================
// REQUEST BODIES
// =============================================================================

// CreateConsultationRequest is a client's booking request. The price is
// quoted from the consultant's rate, never taken from the body.
type CreateConsultationRequest struct {
	ConsultantID    string     `json:"consultant_id" validate:"required"`
	CategoryID      string     `json:"category_id"`
	Title           string     `json:"title" validate:"max=200"`
	Description     string     `json:"description" validate:"max=2000"`
	ServiceType     string     `json:"service_type" validate:"required,oneof=voice video text"`
	DurationMinutes int        `json:"duration_minutes" validate:"required,gt=0,lte=480"`
	ScheduledAt     *time.Time `json:"scheduled_at" validate:"required_without=Immediate"`
	Immediate       bool       `json:"immediate"`
	CouponCode      string     `json:"coupon_code" validate:"max=64"`
	PaymentMethod   string     `json:"payment_method" validate:"required,oneof=wallet gateway"`
}

// ReasonRequest carries an optional free-text reason (reject, cancel).
type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type RecordingRequest struct {
	URL string `json:"url" validate:"required,url"`
}

// QuoteRequest previews a coupon against an amount.
type QuoteRequest struct {
	Code         string `json:"code" validate:"required,max=64"`
	Amount       int64  `json:"amount" validate:"required,gt=0"`
	CategoryID   string `json:"category_id"`
	ConsultantID string `json:"consultant_id"`
}

// WithdrawRequest moves funds out of the caller's wallet. The key makes a
// retried withdrawal apply once.
type WithdrawRequest struct {
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=128"`
	Description    string `json:"description" validate:"max=200"`
}

// CreditRequest is an admin deposit into a user's wallet.
type CreditRequest struct {
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=128"`
	Description    string `json:"description" validate:"max=200"`
}

// CallbackRequest is the gateway-neutral payment outcome.
type CallbackRequest struct {
	GatewayRef string `json:"gateway_ref" validate:"required_without=PaymentID"`
	PaymentID  string `json:"payment_id"`
	Success    bool   `json:"success"`
	Reason     string `json:"reason" validate:"max=500"`
}

type ConsultantRequest struct {
	ConsultantID        string           `json:"consultant_id" validate:"required"`
	UserID              string           `json:"user_id" validate:"required"`
	Timezone            string           `json:"timezone" validate:"omitempty,timezone"`
	CommissionRate      *decimal.Decimal `json:"commission_rate"`
	IsAcceptingRequests *bool            `json:"is_accepting_requests"`
	HourlyRate          int64            `json:"hourly_rate" validate:"required,gt=0"`
	EmergencyRate       int64            `json:"emergency_rate" validate:"min=0"`
}

type SlotRequest struct {
	ID           string `json:"id"`
	ConsultantID string `json:"consultant_id" validate:"required"`
	Weekday      int    `json:"weekday" validate:"min=0,max=6"`
	Start        string `json:"start" validate:"required"`
	End          string `json:"end" validate:"required"`
}

type ExceptionRequest struct {
	ID           string `json:"id"`
	ConsultantID string `json:"consultant_id" validate:"required"`
	Date         string `json:"date" validate:"required,datetime=2006-01-02"`
	Start        string `json:"start" validate:"required_with=End"`
	End          string `json:"end" validate:"required_with=Start"`
	Type         string `json:"type" validate:"required,oneof=unavailable busy holiday"`
	Reason       string `json:"reason" validate:"max=200"`
}

type CouponRequest struct {
	ID                    string          `json:"id"`
	Code                  string          `json:"code" validate:"required,max=64"`
	DiscountType          string          `json:"discount_type" validate:"required,oneof=percentage fixed"`
	Percentage            decimal.Decimal `json:"percentage"`
	FixedAmount           int64           `json:"fixed_amount" validate:"min=0"`
	MaximumDiscount       int64           `json:"maximum_discount" validate:"min=0"`
	MinimumAmount         int64           `json:"minimum_amount" validate:"min=0"`
	ValidFrom             *time.Time      `json:"valid_from"`
	ValidUntil            *time.Time      `json:"valid_until"`
	IsActive              *bool           `json:"is_active"`
	MaxUsage              int             `json:"max_usage" validate:"min=0"`
	MaxUsagePerUser       int             `json:"max_usage_per_user" validate:"min=0"`
	ApplicableCategories  []string        `json:"applicable_categories"`
	ApplicableConsultants []string        `json:"applicable_consultants"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type RequestDTO struct {
	ID                 string     `json:"id"`
	ClientID           string     `json:"client_id"`
	ConsultantID       string     `json:"consultant_id"`
	CategoryID         string     `json:"category_id,omitempty"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	ServiceType        string     `json:"service_type"`
	DurationMinutes    int        `json:"duration_minutes"`
	ScheduledAt        *time.Time `json:"scheduled_at,omitempty"`
	Immediate          bool       `json:"immediate"`
	Status             string     `json:"status"`
	QuotedAmount       int64      `json:"quoted_amount"`
	CouponCode         string     `json:"coupon_code,omitempty"`
	PaymentMethod      string     `json:"payment_method"`
	CancelledBy        string     `json:"cancelled_by,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	RejectionReason    string     `json:"rejection_reason,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type SessionDTO struct {
	ID                 string     `json:"id"`
	RequestID          string     `json:"request_id"`
	ScheduledStart     time.Time  `json:"scheduled_start"`
	ScheduledEnd       time.Time  `json:"scheduled_end"`
	ActualStart        *time.Time `json:"actual_start,omitempty"`
	ActualEnd          *time.Time `json:"actual_end,omitempty"`
	ClientJoinedAt     *time.Time `json:"client_joined_at,omitempty"`
	ConsultantJoinedAt *time.Time `json:"consultant_joined_at,omitempty"`
	RoomID             string     `json:"room_id,omitempty"`
	RecordingURL       string     `json:"recording_url,omitempty"`
	Status             string     `json:"status"`
}

type PaymentDTO struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	Type             string    `json:"type"`
	Method           string    `json:"method"`
	Amount           int64     `json:"amount"`
	OriginalAmount   int64     `json:"original_amount"`
	DiscountAmount   int64     `json:"discount_amount"`
	CommissionAmount int64     `json:"commission_amount"`
	Status           string    `json:"status"`
	GatewayRef       string    `json:"gateway_ref,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// RequestDetailDTO is a request with its session and payments.
type RequestDetailDTO struct {
	Request  RequestDTO   `json:"request"`
	Session  *SessionDTO  `json:"session,omitempty"`
	Payments []PaymentDTO `json:"payments"`
}

// AcceptResponseDTO is returned by accept.
type AcceptResponseDTO struct {
	Request RequestDTO `json:"request"`
	Session SessionDTO `json:"session"`
}

type WalletDTO struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	Balance       int64  `json:"balance"`
	FrozenBalance int64  `json:"frozen_balance"`
	Total         int64  `json:"total"`
	Currency      string `json:"currency"`
	IsActive      bool   `json:"is_active"`
}

type TransactionDTO struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	FrozenDelta   int64     `json:"frozen_delta"`
	BalanceAfter  int64     `json:"balance_after"`
	FrozenAfter   int64     `json:"frozen_after"`
	ReferenceType string    `json:"reference_type,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type QuoteDTO struct {
	Code           string `json:"code"`
	OriginalAmount int64  `json:"original_amount"`
	DiscountAmount int64  `json:"discount_amount"`
	FinalAmount    int64  `json:"final_amount"`
}

type BookableDTO struct {
	Bookable bool   `json:"bookable"`
	Reason   string `json:"reason,omitempty"`
}

type WindowDTO struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type ReconcileDTO struct {
	WalletID        string `json:"wallet_id"`
	Consistent      bool   `json:"consistent"`
	Balance         int64  `json:"balance"`
	FrozenBalance   int64  `json:"frozen_balance"`
	ReplayedBalance int64  `json:"replayed_balance"`
	ReplayedFrozen  int64  `json:"replayed_frozen"`
	Transactions    int    `json:"transactions"`
	Mismatches      int    `json:"mismatches"`
}

type SweepDTO struct {
	Expired   int `json:"expired"`
	Started   int `json:"started"`
	Completed int `json:"completed"`
	NoShows   int `json:"no_shows"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toRequestDTO(r booking.Request) RequestDTO {
	return RequestDTO{
		ID:                 r.ID,
		ClientID:           r.ClientID,
		ConsultantID:       r.ConsultantID,
		CategoryID:         r.CategoryID,
		Title:              r.Title,
		Description:        r.Description,
		ServiceType:        string(r.ServiceType),
		DurationMinutes:    r.DurationMinutes,
		ScheduledAt:        timePtr(r.ScheduledAt),
		Immediate:          r.Immediate,
		Status:             string(r.Status),
		QuotedAmount:       int64(r.QuotedAmount),
		CouponCode:         r.CouponCode,
		PaymentMethod:      string(r.PaymentMethod),
		CancelledBy:        string(r.CancelledBy),
		CancellationReason: r.CancellationReason,
		RejectionReason:    r.RejectionReason,
		ExpiresAt:          timePtr(r.ExpiresAt),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func toRequestDTOs(rs []booking.Request) []RequestDTO {
	dtos := make([]RequestDTO, 0, len(rs))
	for _, r := range rs {
		dtos = append(dtos, toRequestDTO(r))
	}
	return dtos
}

func toSessionDTO(s booking.Session) SessionDTO {
	return SessionDTO{
		ID:                 s.ID,
		RequestID:          s.RequestID,
		ScheduledStart:     s.ScheduledStart,
		ScheduledEnd:       s.ScheduledEnd,
		ActualStart:        s.ActualStart,
		ActualEnd:          s.ActualEnd,
		ClientJoinedAt:     s.ClientJoinedAt,
		ConsultantJoinedAt: s.ConsultantJoinedAt,
		RoomID:             s.RoomID,
		RecordingURL:       s.RecordingURL,
		Status:             string(s.Status),
	}
}

func toPaymentDTO(p settlement.Payment) PaymentDTO {
	return PaymentDTO{
		ID:               p.ID,
		RequestID:        p.RequestID,
		Type:             string(p.Type),
		Method:           string(p.Method),
		Amount:           int64(p.Amount),
		OriginalAmount:   int64(p.OriginalAmount),
		DiscountAmount:   int64(p.DiscountAmount),
		CommissionAmount: int64(p.CommissionAmount),
		Status:           string(p.Status),
		GatewayRef:       p.GatewayRef,
		FailureReason:    p.FailureReason,
		CreatedAt:        p.CreatedAt,
	}
}

func toWalletDTO(w ledger.Wallet) WalletDTO {
	return WalletDTO{
		ID:            string(w.ID),
		UserID:        w.UserID,
		Balance:       int64(w.Balance),
		FrozenBalance: int64(w.FrozenBalance),
		Total:         int64(w.Total()),
		Currency:      w.Currency,
		IsActive:      w.IsActive,
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:            string(tx.ID),
		Type:          string(tx.Type),
		Amount:        int64(tx.Amount),
		FrozenDelta:   int64(tx.FrozenDelta),
		BalanceAfter:  int64(tx.BalanceAfter),
		FrozenAfter:   int64(tx.FrozenAfter),
		ReferenceType: tx.ReferenceType,
		ReferenceID:   tx.ReferenceID,
		Description:   tx.Description,
		CreatedAt:     tx.CreatedAt,
	}
}

func toQuoteDTO(q coupon.Quote) QuoteDTO {
	return QuoteDTO{
		Code:           q.Code,
		OriginalAmount: int64(q.OriginalAmount),
		DiscountAmount: int64(q.DiscountAmount),
		FinalAmount:    int64(q.FinalAmount),
	}
}

func toWindowDTOs(ws []availability.Window) []WindowDTO {
	dtos := make([]WindowDTO, 0, len(ws))
	for _, w := range ws {
		dtos = append(dtos, WindowDTO{Start: w.Start, End: w.End})
	}
	return dtos
}

func toReconcileDTO(r ledger.ReconciliationReport) ReconcileDTO {
	return ReconcileDTO{
		WalletID:        string(r.WalletID),
		Consistent:      r.Consistent(),
		Balance:         int64(r.Balance),
		FrozenBalance:   int64(r.FrozenBalance),
		ReplayedBalance: int64(r.ReplayedBalance),
		ReplayedFrozen:  int64(r.ReplayedFrozen),
		Transactions:    r.Transactions,
		Mismatches:      len(r.Mismatches),
	}
}

func toSweepDTO(r booking.SweepReport) SweepDTO {
	return SweepDTO{
		Expired:   r.Expired,
		Started:   r.Started,
		Completed: r.Completed,
		NoShows:   r.NoShows,
		Cancelled: r.Cancelled,
		Failed:    r.Failed,
	}
}
