/*
handlers.go - HTTP API handlers for the consultation engine

PURPOSE:
  Exposes the booking engine, wallets and coupons via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Requests:
    POST   /api/requests                     Create a request (client)
    GET    /api/requests/{id}                Request + session + payments
    POST   /api/requests/{id}/accept         Consultant accepts
    POST   /api/requests/{id}/reject         Consultant rejects
    POST   /api/requests/{id}/pay            Client authorizes payment
    POST   /api/requests/{id}/join           Either party joins the session
    POST   /api/requests/{id}/complete       Close a session both attended
    POST   /api/requests/{id}/cancel         Cancel with refund schedule
    POST   /api/requests/{id}/no-show        Close a session a party missed
    POST   /api/requests/{id}/recording      Attach a recording url
    GET    /api/me/requests                  Caller's requests

  Wallets & coupons:
    GET    /api/wallets/me                   Caller's wallet
    GET    /api/wallets/me/transactions      Caller's ledger rows
    POST   /api/wallets/me/withdraw          Withdraw funds
    POST   /api/coupons/quote                Price a coupon

  Availability:
    GET    /api/consultants/{id}/bookable    ?start=RFC3339&duration=minutes
    GET    /api/consultants/{id}/free        ?date=YYYY-MM-DD&duration=minutes

  Payments:
    POST   /api/payments/callback            Gateway-neutral callback (admin relay)
    POST   /api/payments/stripe/webhook      Signed Stripe webhook

  Admin:
    POST   /api/admin/consultants|slots|exceptions|coupons
    POST   /api/admin/wallets/{userID}/credit
    GET    /api/admin/wallets/{userID}/reconcile
    POST   /api/admin/config/reload
    POST   /api/admin/sweep
    GET    /api/admin/scenarios
    POST   /api/admin/scenarios/load

ERROR HANDLING:
  Errors are returned as JSON via errorStatus():
  - 400: Validation errors, invalid input
  - 402: Insufficient wallet funds, declined gateway payment
  - 403: Caller is not a party to the request
  - 404: Unknown request, session, wallet, consultant or coupon
  - 409: State conflicts, unbookable window, already final
  - 422: Coupon not applicable
  - 202: Gateway payment still pending

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/consultation-engine/availability"
	"github.com/warp/consultation-engine/booking"
	"github.com/warp/consultation-engine/config"
	"github.com/warp/consultation-engine/coupon"
	"github.com/warp/consultation-engine/gateway/stripe"
	"github.com/warp/consultation-engine/ledger"
	"github.com/warp/consultation-engine/settlement"
	"github.com/warp/consultation-engine/store/sqlite"
)

const maxBodyBytes = 1 << 20

var hundred = decimal.NewFromInt(100)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps wires a Handler.
type Deps struct {
	Engine *booking.Engine
	Store  *sqlite.Store
	Ledger *ledger.Ledger
	Config *config.Holder
	Stripe *stripe.Gateway // nil when no Stripe account is configured
	Log    *zap.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	engine   *booking.Engine
	store    *sqlite.Store
	ledger   *ledger.Ledger
	coupons  *coupon.Evaluator
	resolver *availability.Resolver
	config   *config.Holder
	stripe   *stripe.Gateway
	log      *zap.Logger
	validate *validator.Validate
}

func NewHandler(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		engine:   d.Engine,
		store:    d.Store,
		ledger:   d.Ledger,
		coupons:  d.Engine.Coupons(),
		resolver: availability.NewResolver(d.Store),
		config:   d.Config,
		stripe:   d.Stripe,
		log:      log,
		validate: newValidator(),
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *Handler) logger(r *http.Request) *zap.Logger {
	return h.log.With(zap.String("request_id", middleware.GetReqID(r.Context())))
}

func (h *Handler) currency() string { return h.config.Get().Currency }

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// CreateRequest handles POST /api/requests
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor.Role != booking.RoleClient {
		writeError(w, http.StatusForbidden, "Only clients can create requests", nil)
		return
	}

	var req CreateConsultationRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	in := booking.CreateInput{
		ClientID:        actor.UserID,
		ConsultantID:    req.ConsultantID,
		CategoryID:      req.CategoryID,
		Title:           req.Title,
		Description:     req.Description,
		ServiceType:     booking.ServiceType(req.ServiceType),
		DurationMinutes: req.DurationMinutes,
		Immediate:       req.Immediate,
		CouponCode:      req.CouponCode,
		PaymentMethod:   settlement.Method(req.PaymentMethod),
	}
	if req.ScheduledAt != nil {
		in.ScheduledAt = req.ScheduledAt.UTC()
	}

	created, err := h.engine.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(*created))
}

// GetRequest handles GET /api/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := h.engine.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.authorizeView(ctx, actorFrom(ctx), req); err != nil {
		h.fail(w, r, err)
		return
	}

	detail := RequestDetailDTO{Request: toRequestDTO(*req), Payments: []PaymentDTO{}}
	sess, err := h.engine.Session(ctx, req.ID)
	switch {
	case err == nil:
		dto := toSessionDTO(*sess)
		detail.Session = &dto
	case !errors.Is(err, booking.ErrSessionNotFound):
		h.fail(w, r, err)
		return
	}

	payments, err := h.engine.Payments(ctx, req.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	for _, p := range payments {
		detail.Payments = append(detail.Payments, toPaymentDTO(p))
	}
	writeJSON(w, http.StatusOK, detail)
}

// authorizeView lets the client, the consultant and admins read a request.
func (h *Handler) authorizeView(ctx context.Context, actor booking.Actor, req *booking.Request) error {
	switch {
	case actor.Role == booking.RoleAdmin, actor.UserID == req.ClientID:
		return nil
	case actor.Role == booking.RoleConsultant:
		p, err := h.store.ConsultantProfile(ctx, req.ConsultantID)
		if err != nil {
			return err
		}
		if p.UserID == actor.UserID {
			return nil
		}
	}
	return booking.ErrForbidden
}

// AcceptRequest handles POST /api/requests/{id}/accept
func (h *Handler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	req, sess, err := h.engine.Accept(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AcceptResponseDTO{Request: toRequestDTO(*req), Session: toSessionDTO(*sess)})
}

// RejectRequest handles POST /api/requests/{id}/reject
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	var body ReasonRequest
	if err := h.decode(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	req, err := h.engine.Reject(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

// CancelRequest handles POST /api/requests/{id}/cancel
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	var body ReasonRequest
	if err := h.decode(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	req, err := h.engine.Cancel(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

// PayRequest handles POST /api/requests/{id}/pay
//
// 200 with an authorized payment, 202 while a gateway payment is pending,
// 402 when the gateway declined it.
func (h *Handler) PayRequest(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Pay(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))

	var timeout *settlement.GatewayTimeoutError
	switch {
	case errors.As(err, &timeout) && p != nil:
		h.logger(r).Warn("gateway payment pending", zap.String("payment_id", p.ID), zap.Int("attempts", timeout.Attempts))
		writeJSON(w, http.StatusAccepted, toPaymentDTO(*p))
	case err != nil && p != nil && p.Status == settlement.StatusFailed:
		writeJSON(w, http.StatusPaymentRequired, ErrorResponse{
			Error:   "Payment declined",
			Code:    "payment_declined",
			Details: toPaymentDTO(*p),
		})
	case err != nil:
		h.fail(w, r, err)
	case p.Status == settlement.StatusPending:
		writeJSON(w, http.StatusAccepted, toPaymentDTO(*p))
	default:
		writeJSON(w, http.StatusOK, toPaymentDTO(*p))
	}
}

// JoinSession handles POST /api/requests/{id}/join
func (h *Handler) JoinSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.Join(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(*sess))
}

// CompleteSession handles POST /api/requests/{id}/complete
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	req, err := h.engine.Complete(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

// MarkNoShow handles POST /api/requests/{id}/no-show
func (h *Handler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	req, err := h.engine.NoShow(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

// AttachRecording handles POST /api/requests/{id}/recording
func (h *Handler) AttachRecording(w http.ResponseWriter, r *http.Request) {
	var body RecordingRequest
	if err := h.decode(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	sess, err := h.engine.AttachRecording(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), body.URL)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(*sess))
}

// ListMyRequests handles GET /api/me/requests
//
// Consultants pass ?consultant_id= for the profile they operate; admins may
// pass either client_id or consultant_id.
func (h *Handler) ListMyRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	q := r.URL.Query()

	var (
		reqs []booking.Request
		err  error
	)
	switch actor.Role {
	case booking.RoleClient:
		reqs, err = h.engine.ListByClient(ctx, actor.UserID)
	case booking.RoleConsultant:
		consultantID := q.Get("consultant_id")
		if consultantID == "" {
			writeError(w, http.StatusBadRequest, "consultant_id is required", nil)
			return
		}
		var p *availability.Profile
		if p, err = h.store.ConsultantProfile(ctx, consultantID); err == nil {
			if p.UserID != actor.UserID {
				err = booking.ErrForbidden
			} else {
				reqs, err = h.engine.ListByConsultant(ctx, consultantID)
			}
		}
	case booking.RoleAdmin:
		if id := q.Get("consultant_id"); id != "" {
			reqs, err = h.engine.ListByConsultant(ctx, id)
		} else {
			reqs, err = h.engine.ListByClient(ctx, q.Get("client_id"))
		}
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(reqs))
}

// =============================================================================
// WALLETS & COUPONS
// =============================================================================

// GetMyWallet handles GET /api/wallets/me
func (h *Handler) GetMyWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.ledger.OpenWallet(r.Context(), actorFrom(r.Context()).UserID, h.currency())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(*wallet))
}

// GetMyTransactions handles GET /api/wallets/me/transactions
func (h *Handler) GetMyTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wallet, err := h.ledger.WalletByUser(ctx, actorFrom(ctx).UserID)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		writeJSON(w, http.StatusOK, []TransactionDTO{})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	txs, err := h.ledger.History(ctx, wallet.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		dtos = append(dtos, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Withdraw handles POST /api/wallets/me/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)

	var body WithdrawRequest
	if err := h.decode(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	wallet, err := h.ledger.WalletByUser(ctx, actor.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tx, err := h.ledger.Debit(ctx, ledger.Entry{
		WalletID:       wallet.ID,
		Amount:         ledger.Amount(body.Amount),
		Type:           ledger.TxWithdrawal,
		ReferenceType:  "withdrawal",
		ReferenceID:    body.IdempotencyKey,
		IdempotencyKey: "withdraw:" + actor.UserID + ":" + body.IdempotencyKey,
		Description:    body.Description,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger(r).Info("withdrawal recorded",
		zap.String("user_id", actor.UserID),
		zap.Int64("amount", body.Amount),
	)
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// QuoteCoupon handles POST /api/coupons/quote
func (h *Handler) QuoteCoupon(w http.ResponseWriter, r *http.Request) {
	var body QuoteRequest
	if err := h.decode(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	q, err := h.coupons.Price(r.Context(), coupon.Candidate{
		Code:         body.Code,
		UserID:       actorFrom(r.Context()).UserID,
		Amount:       ledger.Amount(body.Amount),
		CategoryID:   body.CategoryID,
		ConsultantID: body.ConsultantID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(*q))
}

// =============================================================================
// AVAILABILITY
// =============================================================================

// IsBookable handles GET /api/consultants/{id}/bookable
func (h *Handler) IsBookable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start (use RFC 3339)", err)
		return
	}
	d, err := minutesParam(q.Get("duration"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid duration (minutes)", err)
		return
	}

	ok, reason, err := h.resolver.IsBookable(r.Context(), chi.URLParam(r, "id"), availability.NewWindow(start.UTC(), d))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BookableDTO{Bookable: ok, Reason: string(reason)})
}

// FreeWindows handles GET /api/consultants/{id}/free
func (h *Handler) FreeWindows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	d, err := minutesParam(q.Get("duration"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid duration (minutes)", err)
		return
	}
	step := d
	if s := q.Get("step"); s != "" {
		if step, err = minutesParam(s); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid step (minutes)", err)
			return
		}
	}
	date := q.Get("date")
	if _, err := time.Parse(availability.DateLayout, date); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
		return
	}

	windows, err := h.resolver.FreeWindows(r.Context(), chi.URLParam(r, "id"), date, d, step)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWindowDTOs(windows))
}

func minutesParam(s string) (time.Duration, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return time.Duration(n) * time.Minute, nil
}

// =============================================================================
// PAYMENT CALLBACKS
// =============================================================================

// PaymentCallback handles POST /api/payments/callback
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	var body CallbackRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(body); err != nil {
		h.fail(w, r, err)
		return
	}

	h.applyCallback(w, r, settlement.Callback{
		GatewayRef: body.GatewayRef,
		PaymentID:  body.PaymentID,
		Success:    body.Success,
		Reason:     body.Reason,
		Raw:        raw,
	})
}

// StripeWebhook handles POST /api/payments/stripe/webhook
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.stripe == nil {
		writeError(w, http.StatusNotFound, "Stripe is not configured", nil)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cb, err := h.stripe.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, stripe.ErrIgnoredEvent) {
		writeJSON(w, http.StatusOK, map[string]bool{"ignored": true})
		return
	}
	if err != nil {
		h.logger(r).Warn("rejected stripe webhook", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid webhook", nil)
		return
	}
	h.applyCallback(w, r, cb)
}

func (h *Handler) applyCallback(w http.ResponseWriter, r *http.Request, cb settlement.Callback) {
	p, err := h.engine.HandleCallback(r.Context(), cb)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger(r).Info("payment callback applied",
		zap.String("payment_id", p.ID),
		zap.String("gateway_ref", p.GatewayRef),
		zap.String("status", string(p.Status)),
	)
	writeJSON(w, http.StatusOK, toPaymentDTO(*p))
}

// =============================================================================
// ADMIN
// =============================================================================

// SaveConsultant handles POST /api/admin/consultants
func (h *Handler) SaveConsultant(w http.ResponseWriter, r *http.Request) {
	var body ConsultantRequest
	if err := h.decode(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	p := availability.Profile{
		ConsultantID:        body.ConsultantID,
		UserID:              body.UserID,
		Timezone:            body.Timezone,
		CommissionRate:      body.CommissionRate,
		IsAcceptingRequests: body.IsAcceptingRequests == nil || *body.IsAcceptingRequests,
		HourlyRate:          body.HourlyRate,
		EmergencyRate:       body.EmergencyRate,
	}
	if err := h.store.SaveConsultantProfile(r.Context(), p); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

// SaveSlot handles POST /api/admin/slots
func (h *Handler) SaveSlot(w http.ResponseWriter, r *http.Request) {
	var body SlotRequest
	if err := h.decode(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	start, err := availability.ParseClock(body.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start (use HH:MM)", err)
		return
	}
	end, err := availability.ParseClock(body.End)
	if err != nil || end <= start {
		writeError(w, http.StatusBadRequest, "Invalid end (use HH:MM after start)", err)
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	slot := availability.Slot{
		ID:           body.ID,
		ConsultantID: body.ConsultantID,
		Weekday:      time.Weekday(body.Weekday),
		Start:        start,
		End:          end,
		IsActive:     true,
	}
	if err := h.store.SaveSlot(r.Context(), slot); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

// SaveException handles POST /api/admin/exceptions
func (h *Handler) SaveException(w http.ResponseWriter, r *http.Request) {
	var body ExceptionRequest
	if err := h.decode(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	ex := availability.Exception{
		ID:           body.ID,
		ConsultantID: body.ConsultantID,
		Date:         body.Date,
		Type:         availability.ExceptionType(body.Type),
		Reason:       body.Reason,
	}
	if ex.ID == "" {
		ex.ID = uuid.NewString()
		body.ID = ex.ID
	}
	if body.Start != "" {
		start, err := availability.ParseClock(body.Start)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start (use HH:MM)", err)
			return
		}
		end, err := availability.ParseClock(body.End)
		if err != nil || end <= start {
			writeError(w, http.StatusBadRequest, "Invalid end (use HH:MM after start)", err)
			return
		}
		ex.Start, ex.End = &start, &end
	}
	if err := h.store.SaveException(r.Context(), ex); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

// SaveCoupon handles POST /api/admin/coupons
func (h *Handler) SaveCoupon(w http.ResponseWriter, r *http.Request) {
	var body CouponRequest
	if err := h.decode(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	c := coupon.Coupon{
		ID:                    body.ID,
		Code:                  body.Code,
		DiscountType:          coupon.DiscountType(body.DiscountType),
		Percentage:            body.Percentage,
		FixedAmount:           ledger.Amount(body.FixedAmount),
		MaximumDiscount:       ledger.Amount(body.MaximumDiscount),
		MinimumAmount:         ledger.Amount(body.MinimumAmount),
		IsActive:              body.IsActive == nil || *body.IsActive,
		MaxUsage:              body.MaxUsage,
		MaxUsagePerUser:       body.MaxUsagePerUser,
		ApplicableCategories:  body.ApplicableCategories,
		ApplicableConsultants: body.ApplicableConsultants,
		CreatedAt:             h.engine.Now(),
	}
	if c.DiscountType == coupon.DiscountPercentage &&
		(!c.Percentage.IsPositive() || c.Percentage.GreaterThan(hundred)) {
		writeError(w, http.StatusBadRequest, "percentage must be within (0, 100]", nil)
		return
	}
	if c.DiscountType == coupon.DiscountFixed && !c.FixedAmount.IsPositive() {
		writeError(w, http.StatusBadRequest, "fixed_amount must be positive", nil)
		return
	}
	if body.ValidFrom != nil {
		c.ValidFrom = body.ValidFrom.UTC()
	}
	if body.ValidUntil != nil {
		c.ValidUntil = body.ValidUntil.UTC()
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
		body.ID = c.ID
	}
	if err := h.store.SaveCoupon(r.Context(), c); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

// CreditWallet handles POST /api/admin/wallets/{userID}/credit
func (h *Handler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var body CreditRequest
	if err := h.decode(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	wallet, err := h.ledger.OpenWallet(ctx, userID, h.currency())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tx, err := h.ledger.Credit(ctx, ledger.Entry{
		WalletID:       wallet.ID,
		Amount:         ledger.Amount(body.Amount),
		Type:           ledger.TxDeposit,
		ReferenceType:  "admin_credit",
		ReferenceID:    actorFrom(ctx).UserID,
		IdempotencyKey: "credit:" + userID + ":" + body.IdempotencyKey,
		Description:    body.Description,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger(r).Info("wallet credited",
		zap.String("user_id", userID),
		zap.String("admin_id", actorFrom(ctx).UserID),
		zap.Int64("amount", body.Amount),
	)
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// ReconcileWallet handles GET /api/admin/wallets/{userID}/reconcile
func (h *Handler) ReconcileWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wallet, err := h.ledger.WalletByUser(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	report, err := h.ledger.Reconcile(ctx, wallet.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !report.Consistent() {
		h.logger(r).Error("wallet reconciliation mismatch",
			zap.String("wallet_id", string(wallet.ID)),
			zap.Int("mismatches", len(report.Mismatches)),
		)
	}
	writeJSON(w, http.StatusOK, toReconcileDTO(*report))
}

// ReloadConfig handles POST /api/admin/config/reload
func (h *Handler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	c, err := h.config.Reload()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Config reload failed; previous config kept", err)
		return
	}
	p := c.Policy()
	h.logger(r).Info("config reloaded", zap.String("admin_id", actorFrom(r.Context()).UserID))
	writeJSON(w, http.StatusOK, map[string]any{
		"full_refund_before":         p.FullRefundBefore.String(),
		"late_refund_percent":        p.LateRefundPercent,
		"join_grace_period":          p.JoinGracePeriod.String(),
		"request_ttl":                p.RequestTTL.String(),
		"default_commission_rate":    p.DefaultCommissionRate,
		"client_absent_refund":       p.ClientAbsentRefundPercent,
		"consultant_absent_refund":   p.ConsultantAbsentRefundPercent,
		"both_absent_refund_percent": p.BothAbsentRefundPercent,
	})
}

// RunSweep handles POST /api/admin/sweep
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	rep, err := h.engine.Sweep(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepDTO(rep))
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates it. An empty body decodes
// as the zero value so optional bodies (reject, cancel) can be omitted.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return &booking.ValidationError{Field: "body", Message: err.Error()}
	}
	return h.validate.Struct(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
