/*
Package events carries booking facts to the notification collaborator.

Events are dispatched after the atomic unit that produced them commits.
Delivery is fire-and-forget: a failed dispatch is logged and never rolls
back the transition.
*/
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Name string

const (
	RequestCreated    Name = "request.created"
	RequestAccepted   Name = "request.accepted"
	RequestRejected   Name = "request.rejected"
	RequestCancelled  Name = "request.cancelled"
	RequestExpired    Name = "request.expired"
	SessionStarted    Name = "session.started"
	SessionCompleted  Name = "session.completed"
	SessionNoShow     Name = "session.no_show"
	PaymentAuthorized Name = "payment.authorized"
	PaymentCaptured   Name = "payment.captured"
	PaymentRefunded   Name = "payment.refunded"
	PaymentFailed     Name = "payment.failed"
)

// Event is one domain fact.
type Event struct {
	Name       Name           `json:"name"`
	RequestID  string         `json:"request_id"`
	ActorID    string         `json:"actor_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Dispatcher delivers events.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event) error
}

// =============================================================================
// LOG DISPATCHER
// =============================================================================

// Log writes events to a zap logger.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log}
}

func (d *Log) Dispatch(_ context.Context, e Event) error {
	d.log.Info("event",
		zap.String("name", string(e.Name)),
		zap.String("request_id", e.RequestID),
		zap.String("actor_id", e.ActorID),
		zap.Time("occurred_at", e.OccurredAt),
		zap.Any("payload", e.Payload),
	)
	return nil
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi sends every event to each dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, e Event) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder keeps dispatched events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Dispatch(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Names lists recorded event names in dispatch order.
func (r *Recorder) Names() []Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Name, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}
