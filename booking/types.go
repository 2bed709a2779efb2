/*
Package booking owns consultation requests and sessions.

REQUEST FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │   create ──▶ pending ──accept──▶ accepted ──▶ scheduled          │
  │                 │                    │            │              │
  │              reject               cancel       start (timer or   │
  │                 ▼                    ▼          first join)      │
  │             rejected            cancelled         ▼              │
  │                                                ongoing           │
  │                                                │     │           │
  │                                         complete     no_show     │
  │                                                ▼     ▼           │
  │                                        completed     no_show     │
  │                                                                  │
  └──────────────────────────────────────────────────────────────────┘

  pending, accepted and scheduled may be cancelled. rejected, cancelled,
  completed and no_show are terminal.

ATOMICITY:
  Every transition runs under the request's lock and inside one atomic unit
  that holds the conditional status update, the session write and the
  settlement effect. Events are dispatched after the unit commits.

SEE ALSO:
  - engine.go: the transitions
  - policy.go: refund percentages and timing
  - settlement/coordinator.go: money movement
*/
package booking

import (
	"slices"
	"time"

	"github.com/warp/consultation-engine/availability"
	"github.com/warp/consultation-engine/ledger"
	"github.com/warp/consultation-engine/settlement"
)

// =============================================================================
// STATUSES & TRANSITIONS
// =============================================================================

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestRejected  RequestStatus = "rejected"
	RequestScheduled RequestStatus = "scheduled"
	RequestOngoing   RequestStatus = "ongoing"
	RequestCompleted RequestStatus = "completed"
	RequestCancelled RequestStatus = "cancelled"
	RequestNoShow    RequestStatus = "no_show"
)

var transitions = map[RequestStatus][]RequestStatus{
	RequestPending:   {RequestAccepted, RequestRejected, RequestCancelled},
	RequestAccepted:  {RequestScheduled, RequestCancelled},
	RequestScheduled: {RequestOngoing, RequestCancelled},
	RequestOngoing:   {RequestCompleted, RequestNoShow},
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to RequestStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether no transition leaves s.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestRejected, RequestCancelled, RequestCompleted, RequestNoShow:
		return true
	}
	return false
}

// Active reports whether s occupies the consultant's time.
func (s RequestStatus) Active() bool {
	return s == RequestAccepted || s == RequestScheduled || s == RequestOngoing
}

type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionOngoing   SessionStatus = "ongoing"
	SessionCompleted SessionStatus = "completed"
	SessionNoShow    SessionStatus = "no_show"
	SessionCancelled SessionStatus = "cancelled"
)

type ServiceType string

const (
	ServiceVoice ServiceType = "voice"
	ServiceVideo ServiceType = "video"
	ServiceText  ServiceType = "text"
)

func (t ServiceType) Valid() bool {
	return t == ServiceVoice || t == ServiceVideo || t == ServiceText
}

// =============================================================================
// ACTORS
// =============================================================================

type Role string

const (
	RoleClient     Role = "client"
	RoleConsultant Role = "consultant"
	RoleAdmin      Role = "admin"
	RoleSystem     Role = "system"
)

// Actor is the authenticated caller, supplied by the identity collaborator.
type Actor struct {
	UserID string
	Role   Role
}

// System is the actor for timer-driven transitions.
var System = Actor{UserID: "system", Role: RoleSystem}

func (a Actor) privileged() bool { return a.Role == RoleAdmin || a.Role == RoleSystem }

// =============================================================================
// REQUEST & SESSION
// =============================================================================

// Request is a client's ask for a consultation. Never deleted.
type Request struct {
	ID              string
	ClientID        string
	ConsultantID    string
	CategoryID      string
	Title           string
	Description     string
	ServiceType     ServiceType
	DurationMinutes int

	// ScheduledAt is the window start. Immediate requests get it at accept.
	ScheduledAt time.Time
	Immediate   bool

	Status        RequestStatus
	QuotedAmount  ledger.Amount
	CouponCode    string
	PaymentMethod settlement.Method

	CancelledBy        Role
	CancellationReason string
	RejectionReason    string

	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Duration is the booked session length.
func (r Request) Duration() time.Duration {
	return time.Duration(r.DurationMinutes) * time.Minute
}

// Window is the consultant time the request occupies.
func (r Request) Window() availability.Window {
	return availability.NewWindow(r.ScheduledAt, r.Duration())
}

// Expired reports whether a pending request outlived its TTL.
func (r Request) Expired(now time.Time) bool {
	return r.Status == RequestPending && !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Session is the execution of an accepted request. One per request.
type Session struct {
	ID                 string
	RequestID          string
	ClientID           string
	ConsultantID       string
	ScheduledStart     time.Time
	ScheduledEnd       time.Time
	ActualStart        *time.Time
	ActualEnd          *time.Time
	ClientJoinedAt     *time.Time
	ConsultantJoinedAt *time.Time
	RoomID             string
	RecordingURL       string
	Status             SessionStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BothJoined reports whether client and consultant have both joined.
func (s Session) BothJoined() bool {
	return s.ClientJoinedAt != nil && s.ConsultantJoinedAt != nil
}

// NoShowDue is when an absent party can be declared a no-show: grace after
// the start, or the scheduled end for sessions shorter than the grace.
func (s Session) NoShowDue(grace time.Duration) time.Time {
	due := s.ScheduledStart.Add(grace)
	if s.ScheduledEnd.Before(due) {
		return s.ScheduledEnd
	}
	return due
}
