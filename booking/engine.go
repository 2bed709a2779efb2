/*
engine.go - Booking transitions

CRITICAL INVARIANTS:
  1. ONE WINNER: a transition reads the status and writes the next one with a
     conditional update inside its unit; a racing caller gets ConflictError
  2. NO DOUBLE BOOKING: accept re-checks availability inside the same unit
     and under the consultant's lock
  3. NO NETWORK UNDER LOCK: gateway calls happen between units, never inside
  4. AFTER COMMIT: events are dispatched only once the unit committed

LOCKS:
  request:<id>        every transition of that request
  consultant:<id>     accept, so two requests cannot claim one window
  Wallet safety comes from the ledger's balance-conditional update.
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/consultation-engine/availability"
	"github.com/warp/consultation-engine/coupon"
	"github.com/warp/consultation-engine/events"
	"github.com/warp/consultation-engine/lock"
	"github.com/warp/consultation-engine/settlement"
)

// Deps wires an Engine.
type Deps struct {
	Store       TxStore
	Settlement  *settlement.Coordinator
	Locker      lock.Locker
	LockOptions lock.Options
	Events      events.Dispatcher
	Policy      func() Policy
	Log         *zap.Logger
	Now         func() time.Time
}

// Engine sequences request and session transitions.
type Engine struct {
	store    TxStore
	resolver *availability.Resolver
	settle   *settlement.Coordinator
	coupons  *coupon.Evaluator
	locker   lock.Locker
	lockOpts lock.Options
	events   events.Dispatcher
	policy   func() Policy
	log      *zap.Logger
	now      func() time.Time
}

func NewEngine(d Deps) *Engine {
	e := &Engine{
		store:    d.Store,
		resolver: availability.NewResolver(d.Store),
		settle:   d.Settlement,
		locker:   d.Locker,
		lockOpts: d.LockOptions,
		events:   d.Events,
		policy:   d.Policy,
		log:      d.Log,
		now:      d.Now,
	}
	if e.locker == nil {
		e.locker = lock.NewLocal()
	}
	if e.lockOpts == (lock.Options{}) {
		e.lockOpts = lock.DefaultOptions
	}
	if e.events == nil {
		e.events = events.Multi{}
	}
	if e.policy == nil {
		e.policy = DefaultPolicy
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	} else {
		e.settle = e.settle.WithClock(e.now)
	}
	e.coupons = e.settle.Coupons()
	return e
}

// =============================================================================
// UNIT PLUMBING
// =============================================================================

// unit is the state of one locked, atomic transition.
type unit struct {
	s      Store
	now    time.Time
	actor  Actor
	events []events.Event
}

func (u *unit) emit(name events.Name, requestID string, payload map[string]any) {
	u.events = append(u.events, events.Event{
		Name:       name,
		RequestID:  requestID,
		ActorID:    u.actor.UserID,
		OccurredAt: u.now,
		Payload:    payload,
	})
}

func (e *Engine) clock() time.Time { return e.now().UTC().Truncate(time.Second) }

func requestKey(id string) string    { return "request:" + id }
func consultantKey(id string) string { return "consultant:" + id }

// run locks the request (plus extra keys), executes fn in one atomic unit and
// dispatches the collected events after commit.
func (e *Engine) run(ctx context.Context, op, requestID string, actor Actor, extra []string, fn func(ctx context.Context, u *unit) error) error {
	keys := append([]string{requestKey(requestID)}, extra...)
	release, err := lock.Acquire(ctx, e.locker, e.lockOpts, keys...)
	if err != nil {
		if errors.Is(err, lock.ErrContended) {
			return &ConflictError{RequestID: requestID, Op: op, Err: err}
		}
		return err
	}
	defer release()

	u := &unit{now: e.clock(), actor: actor}
	err = e.store.Atomic(ctx, func(s Store) error {
		u.s = s
		u.events = u.events[:0]
		return fn(ctx, u)
	})
	if err != nil {
		e.log.Debug("transition rejected",
			zap.String("op", op),
			zap.String("request_id", requestID),
			zap.String("actor", actor.UserID),
			zap.Error(err),
		)
		return err
	}
	e.dispatch(ctx, u.events)
	return nil
}

func (e *Engine) dispatch(ctx context.Context, evs []events.Event) {
	for _, ev := range evs {
		if err := e.events.Dispatch(ctx, ev); err != nil {
			e.log.Warn("event dispatch failed",
				zap.String("name", string(ev.Name)),
				zap.String("request_id", ev.RequestID),
				zap.Error(err),
			)
		}
	}
}

// advance walks r along path with one conditional write from r's current
// status to the last step.
func (e *Engine) advance(ctx context.Context, u *unit, r *Request, op string, path ...RequestStatus) error {
	from := r.Status
	prev := from
	for _, to := range path {
		if !CanTransition(prev, to) {
			return refuse(r, op)
		}
		prev = to
	}
	r.Status = prev
	r.UpdatedAt = u.now
	if err := u.s.UpdateRequest(ctx, *r, from); err != nil {
		if errors.Is(err, ErrConflict) {
			return &ConflictError{RequestID: r.ID, Op: op, Current: from}
		}
		return fmt.Errorf("failed to update request: %w", err)
	}
	return nil
}

func refuse(r *Request, op string) error {
	return &ConflictError{RequestID: r.ID, Op: op, Current: r.Status}
}

// load reads the request and its consultant inside the unit.
func (e *Engine) load(ctx context.Context, u *unit, id string) (*Request, *availability.Profile, error) {
	r, err := u.s.Request(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	p, err := u.s.ConsultantProfile(ctx, r.ConsultantID)
	if err != nil {
		return nil, nil, err
	}
	return r, p, nil
}

func isClient(a Actor, r *Request) bool { return a.UserID == r.ClientID }

func isConsultant(a Actor, p *availability.Profile) bool { return a.UserID == p.UserID }

func (e *Engine) split(r *Request, p *availability.Profile, reason string) settlement.Split {
	return settlement.Split{
		RequestID:        r.ID,
		ConsultantUserID: p.UserID,
		CommissionRate:   e.policy().CommissionRate(*p),
		Reason:           reason,
	}
}

func emitSettlement(u *unit, requestID string, res *settlement.Result) {
	if res == nil {
		return
	}
	if res.Refunded.IsPositive() {
		u.emit(events.PaymentRefunded, requestID, map[string]any{"amount": int64(res.Refunded)})
	}
	if res.Captured.IsPositive() {
		u.emit(events.PaymentCaptured, requestID, map[string]any{
			"amount":     int64(res.Captured),
			"commission": int64(res.Commission),
			"earning":    int64(res.Earning),
		})
	}
}

// =============================================================================
// CREATE
// =============================================================================

// CreateInput is a client's booking request.
type CreateInput struct {
	ClientID        string
	ConsultantID    string
	CategoryID      string
	Title           string
	Description     string
	ServiceType     ServiceType
	DurationMinutes int
	ScheduledAt     time.Time // ignored when Immediate
	Immediate       bool
	CouponCode      string
	PaymentMethod   settlement.Method
}

func (in CreateInput) validate(now time.Time) error {
	switch {
	case in.ClientID == "":
		return &ValidationError{Field: "client_id", Message: "required"}
	case in.ConsultantID == "":
		return &ValidationError{Field: "consultant_id", Message: "required"}
	case !in.ServiceType.Valid():
		return &ValidationError{Field: "service_type", Message: fmt.Sprintf("unknown %q", in.ServiceType)}
	case in.DurationMinutes <= 0:
		return &ValidationError{Field: "duration_minutes", Message: "must be positive"}
	case !in.PaymentMethod.Valid():
		return &ValidationError{Field: "payment_method", Message: fmt.Sprintf("unknown %q", in.PaymentMethod)}
	case !in.Immediate && !in.ScheduledAt.After(now):
		return &ValidationError{Field: "scheduled_at", Message: "must be in the future"}
	}
	return nil
}

// Create records a pending request priced from the consultant's rate. No
// money moves. A scheduled window must be bookable now and a coupon must
// price; both are re-checked later.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*Request, error) {
	now := e.clock()
	if err := in.validate(now); err != nil {
		return nil, err
	}

	profile, err := e.store.ConsultantProfile(ctx, in.ConsultantID)
	if err != nil {
		return nil, err
	}
	if !profile.IsAcceptingRequests {
		return nil, &availability.NotBookableError{ConsultantID: in.ConsultantID, Reason: availability.ReasonNotAccepting}
	}
	amount, ok := Price(*profile, in.DurationMinutes, in.Immediate)
	if !ok {
		return nil, &availability.NotBookableError{ConsultantID: in.ConsultantID, Reason: availability.ReasonUnpriced}
	}

	r := Request{
		ID:              uuid.NewString(),
		ClientID:        in.ClientID,
		ConsultantID:    in.ConsultantID,
		CategoryID:      in.CategoryID,
		Title:           in.Title,
		Description:     in.Description,
		ServiceType:     in.ServiceType,
		DurationMinutes: in.DurationMinutes,
		Immediate:       in.Immediate,
		Status:          RequestPending,
		QuotedAmount:    amount,
		CouponCode:      in.CouponCode,
		PaymentMethod:   in.PaymentMethod,
		ExpiresAt:       now.Add(e.policy().RequestTTL),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if !in.Immediate {
		r.ScheduledAt = in.ScheduledAt.UTC().Truncate(time.Second)
		if err := e.resolver.Check(ctx, r.ConsultantID, r.Window(), ""); err != nil {
			return nil, err
		}
	}

	if in.CouponCode != "" {
		if _, err := e.coupons.Price(ctx, coupon.Candidate{
			Code:         in.CouponCode,
			UserID:       in.ClientID,
			Amount:       amount,
			CategoryID:   in.CategoryID,
			ConsultantID: in.ConsultantID,
		}); err != nil {
			return nil, err
		}
	}

	if err := e.store.CreateRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	e.dispatch(ctx, []events.Event{{
		Name:       events.RequestCreated,
		RequestID:  r.ID,
		ActorID:    in.ClientID,
		OccurredAt: now,
		Payload:    map[string]any{"consultant_id": r.ConsultantID},
	}})
	return &r, nil
}

// =============================================================================
// CONSULTANT DECISION
// =============================================================================

// Accept moves a pending request to scheduled and opens its session. The
// window is re-checked against availability inside the unit; on failure the
// request stays pending.
func (e *Engine) Accept(ctx context.Context, actor Actor, id string) (*Request, *Session, error) {
	pre, err := e.store.Request(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	var out *Request
	var sess *Session
	err = e.run(ctx, "accept", id, actor, []string{consultantKey(pre.ConsultantID)}, func(ctx context.Context, u *unit) error {
		r, profile, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if !isConsultant(actor, profile) && !actor.privileged() {
			return ErrForbidden
		}
		if r.Status != RequestPending {
			return refuse(r, "accept")
		}
		if r.Expired(u.now) {
			return ErrRequestExpired
		}
		if r.Immediate {
			r.ScheduledAt = u.now
		}

		w := r.Window()
		if err := e.resolver.Bind(u.s).Check(ctx, r.ConsultantID, w, r.ID); err != nil {
			return err
		}
		if err := e.advance(ctx, u, r, "accept", RequestAccepted, RequestScheduled); err != nil {
			return err
		}

		s := Session{
			ID:             uuid.NewString(),
			RequestID:      r.ID,
			ClientID:       r.ClientID,
			ConsultantID:   r.ConsultantID,
			ScheduledStart: w.Start,
			ScheduledEnd:   w.End,
			RoomID:         "room-" + uuid.NewString(),
			Status:         SessionScheduled,
			CreatedAt:      u.now,
			UpdatedAt:      u.now,
		}
		if err := u.s.CreateSession(ctx, s); err != nil {
			if errors.Is(err, ErrConflict) {
				return refuse(r, "accept")
			}
			return fmt.Errorf("failed to create session: %w", err)
		}

		u.emit(events.RequestAccepted, r.ID, map[string]any{
			"session_id":   s.ID,
			"scheduled_at": w.Start,
		})
		out, sess = r, &s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, sess, nil
}

// Reject closes a pending request. A payment made in advance is released in
// full.
func (e *Engine) Reject(ctx context.Context, actor Actor, id, reason string) (*Request, error) {
	var out *Request
	err := e.run(ctx, "reject", id, actor, nil, func(ctx context.Context, u *unit) error {
		r, profile, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if !isConsultant(actor, profile) && !actor.privileged() {
			return ErrForbidden
		}
		r.RejectionReason = reason
		if err := e.advance(ctx, u, r, "reject", RequestRejected); err != nil {
			return err
		}
		res, err := e.settle.Void(ctx, u.s, e.split(r, profile, "rejected: "+reason))
		if err != nil {
			return err
		}
		u.emit(events.RequestRejected, r.ID, map[string]any{"reason": reason})
		emitSettlement(u, r.ID, res)
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// CANCELLATION & EXPIRY
// =============================================================================

// Cancel closes a pending, accepted or scheduled request and refunds per the
// cancellation policy. Terminal requests fail with ErrAlreadyFinal.
func (e *Engine) Cancel(ctx context.Context, actor Actor, id, reason string) (*Request, error) {
	var out *Request
	err := e.run(ctx, "cancel", id, actor, nil, func(ctx context.Context, u *unit) error {
		r, profile, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if !isClient(actor, r) && !isConsultant(actor, profile) && !actor.privileged() {
			return ErrForbidden
		}
		if r.Status.Terminal() {
			return fmt.Errorf("%w: request %s is %s", ErrAlreadyFinal, r.ID, r.Status)
		}

		role := actor.Role
		if isClient(actor, r) {
			role = RoleClient
		} else if isConsultant(actor, profile) {
			role = RoleConsultant
		}
		percent := e.policy().CancelRefundPercent(*r, role, u.now)

		r.CancelledBy = role
		r.CancellationReason = reason
		if err := e.advance(ctx, u, r, "cancel", RequestCancelled); err != nil {
			return err
		}
		if err := e.closeSession(ctx, u, r.ID, SessionCancelled); err != nil {
			return err
		}

		res, err := e.settle.RefundPercent(ctx, u.s, e.split(r, profile, "cancelled: "+reason), percent)
		if err != nil {
			return err
		}
		u.emit(events.RequestCancelled, r.ID, map[string]any{
			"cancelled_by":   string(role),
			"reason":         reason,
			"refund_percent": percent.String(),
		})
		emitSettlement(u, r.ID, res)
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Expire cancels a pending request that outlived its TTL, releasing any
// advance payment in full.
func (e *Engine) Expire(ctx context.Context, id string) (*Request, error) {
	var out *Request
	err := e.run(ctx, "expire", id, System, nil, func(ctx context.Context, u *unit) error {
		r, profile, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if r.Status != RequestPending {
			return refuse(r, "expire")
		}
		if !r.Expired(u.now) {
			return ErrNotDue
		}
		r.CancelledBy = RoleSystem
		r.CancellationReason = "expired"
		if err := e.advance(ctx, u, r, "expire", RequestCancelled); err != nil {
			return err
		}
		res, err := e.settle.Void(ctx, u.s, e.split(r, profile, "expired"))
		if err != nil {
			return err
		}
		u.emit(events.RequestExpired, r.ID, nil)
		emitSettlement(u, r.ID, res)
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) closeSession(ctx context.Context, u *unit, requestID string, status SessionStatus) error {
	s, err := u.s.SessionByRequest(ctx, requestID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.Status = status
	s.UpdatedAt = u.now
	if status != SessionCancelled {
		s.ActualEnd = &u.now
	}
	return u.s.UpdateSession(ctx, *s)
}

// =============================================================================
// READS
// =============================================================================

// Get returns a request.
func (e *Engine) Get(ctx context.Context, id string) (*Request, error) {
	return e.store.Request(ctx, id)
}

// Session returns the request's session.
func (e *Engine) Session(ctx context.Context, requestID string) (*Session, error) {
	return e.store.SessionByRequest(ctx, requestID)
}

// Payments returns the request's payments in creation order.
func (e *Engine) Payments(ctx context.Context, requestID string) ([]settlement.Payment, error) {
	return e.store.PaymentsByRequest(ctx, requestID)
}

func (e *Engine) ListByClient(ctx context.Context, clientID string) ([]Request, error) {
	return e.store.RequestsByClient(ctx, clientID)
}

// Coupons returns the evaluator the engine redeems with, sharing its clock.
func (e *Engine) Coupons() *coupon.Evaluator { return e.coupons }

func (e *Engine) ListByConsultant(ctx context.Context, consultantID string) ([]Request, error) {
	return e.store.RequestsByConsultant(ctx, consultantID)
}
