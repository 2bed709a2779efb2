package booking

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/warp/consultation-engine/events"
)

// =============================================================================
// EXECUTION
// =============================================================================

// Join records a party entering the session room. Joins are accepted from
// EarlyJoin before the start; a paid scheduled session starts on the first
// join once its window has begun.
func (e *Engine) Join(ctx context.Context, actor Actor, id string) (*Session, error) {
	var out *Session
	err := e.run(ctx, "join", id, actor, nil, func(ctx context.Context, u *unit) error {
		r, profile, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		client, consultant := isClient(actor, r), isConsultant(actor, profile)
		if !client && !consultant {
			return ErrForbidden
		}
		if r.Status != RequestScheduled && r.Status != RequestOngoing {
			return refuse(r, "join")
		}
		s, err := u.s.SessionByRequest(ctx, r.ID)
		if err != nil {
			return err
		}
		if u.now.Before(s.ScheduledStart.Add(-e.policy().EarlyJoin)) {
			return ErrNotDue
		}
		if !u.now.Before(s.ScheduledEnd) {
			return ErrSessionOver
		}

		if client && s.ClientJoinedAt == nil {
			s.ClientJoinedAt = &u.now
		}
		if consultant && s.ConsultantJoinedAt == nil {
			s.ConsultantJoinedAt = &u.now
		}

		if r.Status == RequestScheduled && !u.now.Before(s.ScheduledStart) {
			if err := e.start(ctx, u, r, s); err != nil && !errors.Is(err, ErrPaymentPending) {
				return err
			}
		}
		s.UpdatedAt = u.now
		if err := u.s.UpdateSession(ctx, *s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Start moves a scheduled session to ongoing once its window begins. Driven
// by the session scheduler.
func (e *Engine) Start(ctx context.Context, id string) (*Session, error) {
	var out *Session
	err := e.run(ctx, "start", id, System, nil, func(ctx context.Context, u *unit) error {
		r, err := u.s.Request(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != RequestScheduled {
			return refuse(r, "start")
		}
		s, err := u.s.SessionByRequest(ctx, r.ID)
		if err != nil {
			return err
		}
		if u.now.Before(s.ScheduledStart) {
			return ErrNotDue
		}
		if err := e.start(ctx, u, r, s); err != nil {
			return err
		}
		s.UpdatedAt = u.now
		if err := u.s.UpdateSession(ctx, *s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) start(ctx context.Context, u *unit, r *Request, s *Session) error {
	ok, err := paid(ctx, u.s, r.ID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPaymentPending
	}
	if err := e.advance(ctx, u, r, "start", RequestOngoing); err != nil {
		return err
	}
	s.Status = SessionOngoing
	s.ActualStart = &u.now
	u.emit(events.SessionStarted, r.ID, map[string]any{"session_id": s.ID, "room_id": s.RoomID})
	return nil
}

// Complete ends an ongoing session normally and captures the payment. Both
// parties must have joined.
func (e *Engine) Complete(ctx context.Context, actor Actor, id string) (*Request, error) {
	var out *Request
	err := e.run(ctx, "complete", id, actor, nil, func(ctx context.Context, u *unit) error {
		r, profile, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if !isClient(actor, r) && !isConsultant(actor, profile) && !actor.privileged() {
			return ErrForbidden
		}
		if r.Status != RequestOngoing {
			return refuse(r, "complete")
		}
		s, err := u.s.SessionByRequest(ctx, r.ID)
		if err != nil {
			return err
		}
		if !s.BothJoined() {
			return ErrPartyAbsent
		}

		if err := e.advance(ctx, u, r, "complete", RequestCompleted); err != nil {
			return err
		}
		if err := e.closeSession(ctx, u, r.ID, SessionCompleted); err != nil {
			return err
		}
		res, err := e.settle.Capture(ctx, u.s, e.split(r, profile, "completed"))
		if err != nil {
			return err
		}
		u.emit(events.SessionCompleted, r.ID, map[string]any{"session_id": s.ID})
		emitSettlement(u, r.ID, res)
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NoShow closes an ongoing session a party failed to join by the grace
// deadline. The refund favors the party that showed up.
func (e *Engine) NoShow(ctx context.Context, actor Actor, id string) (*Request, error) {
	var out *Request
	err := e.run(ctx, "no_show", id, actor, nil, func(ctx context.Context, u *unit) error {
		r, profile, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if !isClient(actor, r) && !isConsultant(actor, profile) && !actor.privileged() {
			return ErrForbidden
		}
		if r.Status != RequestOngoing {
			return refuse(r, "no_show")
		}
		s, err := u.s.SessionByRequest(ctx, r.ID)
		if err != nil {
			return err
		}
		policy := e.policy()
		if u.now.Before(s.NoShowDue(policy.JoinGracePeriod)) {
			return ErrNotDue
		}
		if s.BothJoined() {
			return ErrPartiesPresent
		}

		clientJoined, consultantJoined := s.ClientJoinedAt != nil, s.ConsultantJoinedAt != nil
		percent := policy.NoShowRefundPercent(clientJoined, consultantJoined)

		if err := e.advance(ctx, u, r, "no_show", RequestNoShow); err != nil {
			return err
		}
		if err := e.closeSession(ctx, u, r.ID, SessionNoShow); err != nil {
			return err
		}
		res, err := e.settle.RefundPercent(ctx, u.s, e.split(r, profile, "no-show"), percent)
		if err != nil {
			return err
		}
		u.emit(events.SessionNoShow, r.ID, map[string]any{
			"client_joined":     clientJoined,
			"consultant_joined": consultantJoined,
			"refund_percent":    percent.String(),
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

// AttachRecording stores the recording location. The URL is opaque.
func (e *Engine) AttachRecording(ctx context.Context, actor Actor, id, url string) (*Session, error) {
	var out *Session
	err := e.run(ctx, "attach recording", id, actor, nil, func(ctx context.Context, u *unit) error {
		r, profile, err := e.load(ctx, u, id)
		if err != nil {
			return err
		}
		if !isConsultant(actor, profile) && !actor.privileged() {
			return ErrForbidden
		}
		s, err := u.s.SessionByRequest(ctx, r.ID)
		if err != nil {
			return err
		}
		s.RecordingURL = url
		s.UpdatedAt = u.now
		if err := u.s.UpdateSession(ctx, *s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// SWEEP - Timer-driven transitions
// =============================================================================

// SweepReport counts what one sweep did.
type SweepReport struct {
	Expired   int
	Started   int
	Completed int
	NoShows   int
	Cancelled int
	Failed    int
}

// Sweep applies every timer-driven transition that is due:
//   - pending past its TTL          -> expired (cancelled by system)
//   - scheduled at its start        -> ongoing, if paid
//   - scheduled, unpaid past grace  -> cancelled by system
//   - ongoing at its end, both in   -> completed
//   - ongoing, a party absent       -> no_show once Session.NoShowDue passes
//
// Each request is its own transition; a failure is logged and skipped.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := e.clock()
	policy := e.policy()

	pending, err := e.store.RequestsByStatus(ctx, RequestPending)
	if err != nil {
		return rep, err
	}
	for _, r := range pending {
		if r.Expired(now) {
			e.tally(&rep.Expired, &rep, r.ID, "expire", func() error { _, err := e.Expire(ctx, r.ID); return err })
		}
	}

	scheduled, err := e.store.RequestsByStatus(ctx, RequestScheduled)
	if err != nil {
		return rep, err
	}
	for _, r := range scheduled {
		s, err := e.store.SessionByRequest(ctx, r.ID)
		if err != nil || now.Before(s.ScheduledStart) {
			continue
		}
		_, err = e.Start(ctx, r.ID)
		switch {
		case err == nil:
			rep.Started++
		case errors.Is(err, ErrPaymentPending) && !now.Before(s.ScheduledStart.Add(policy.JoinGracePeriod)):
			e.tally(&rep.Cancelled, &rep, r.ID, "cancel unpaid", func() error {
				_, err := e.Cancel(ctx, System, r.ID, "payment not received")
				return err
			})
		case errors.Is(err, ErrPaymentPending):
		default:
			e.logSweepFailure(r.ID, "start", err)
			rep.Failed++
		}
	}

	ongoing, err := e.store.RequestsByStatus(ctx, RequestOngoing)
	if err != nil {
		return rep, err
	}
	for _, r := range ongoing {
		s, err := e.store.SessionByRequest(ctx, r.ID)
		if err != nil {
			continue
		}
		switch {
		case s.BothJoined() && !now.Before(s.ScheduledEnd):
			e.tally(&rep.Completed, &rep, r.ID, "complete", func() error { _, err := e.Complete(ctx, System, r.ID); return err })
		case !s.BothJoined() && !now.Before(s.NoShowDue(policy.JoinGracePeriod)):
			e.tally(&rep.NoShows, &rep, r.ID, "no_show", func() error { _, err := e.NoShow(ctx, System, r.ID); return err })
		}
	}
	return rep, nil
}

func (e *Engine) tally(counter *int, rep *SweepReport, requestID, op string, fn func() error) {
	if err := fn(); err != nil {
		e.logSweepFailure(requestID, op, err)
		rep.Failed++
		return
	}
	*counter++
}

func (e *Engine) logSweepFailure(requestID, op string, err error) {
	e.log.Warn("sweep transition failed",
		zap.String("request_id", requestID),
		zap.String("op", op),
		zap.Error(err),
	)
}

// Now exposes the engine clock, truncated to storage precision.
func (e *Engine) Now() time.Time { return e.clock() }
