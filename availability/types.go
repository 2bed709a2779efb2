/*
Package availability decides whether a consultant can be booked for a window.

PURPOSE:
  A requested window is bookable iff
    1. it falls inside one of the consultant's weekly recurring slots,
       evaluated in the consultant's configured timezone,
    2. no date-specific exception (unavailable, busy, holiday) intersects it,
    3. it does not overlap an already-accepted booking of that consultant.
  All three are necessary. A failure carries a reason code that the API turns
  into a user-facing error.

KEY TYPES:
  Slot:      weekly recurring window (weekday + local start/end)
  Exception: date-specific override blocking all or part of a day
  Profile:   the consultant facts the engine needs (timezone, commission,
             hourly rates)
  Booking:   an active reservation occupying a window

SEE ALSO:
  - resolver.go: the check itself
  - booking/engine.go: re-runs the check inside the accept critical section
*/
package availability

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECURRING SLOTS & EXCEPTIONS
// =============================================================================

// Slot is a weekly recurring availability window.
type Slot struct {
	ID           string
	ConsultantID string
	Weekday      time.Weekday
	Start        ClockTime
	End          ClockTime
	IsActive     bool
}

// Contains reports whether [start, end) lies fully inside the slot.
func (s Slot) Contains(start, end ClockTime) bool {
	return s.Start <= start && end <= s.End
}

type ExceptionType string

const (
	ExceptionUnavailable ExceptionType = "unavailable"
	ExceptionBusy        ExceptionType = "busy"
	ExceptionHoliday     ExceptionType = "holiday"
)

// Exception overrides availability on one local date. A nil Start/End blocks
// the whole day.
type Exception struct {
	ID           string
	ConsultantID string
	Date         string // DateLayout, consultant-local
	Start        *ClockTime
	End          *ClockTime
	Type         ExceptionType
	Reason       string
}

// Blocks reports whether the exception intersects [start, end) on its date.
func (e Exception) Blocks(start, end ClockTime) bool {
	switch e.Type {
	case ExceptionUnavailable, ExceptionBusy, ExceptionHoliday:
	default:
		return false
	}
	if e.Start == nil || e.End == nil {
		return true
	}
	return *e.Start < end && start < *e.End
}

// =============================================================================
// CONSULTANT PROFILE
// =============================================================================

// Profile is the slice of a consultant's profile the engine depends on.
type Profile struct {
	ConsultantID        string
	UserID              string
	Timezone            string
	CommissionRate      *decimal.Decimal // nil = platform default
	IsAcceptingRequests bool

	// Prices in minor units per hour. EmergencyRate applies to immediate
	// requests; 0 falls back to HourlyRate.
	HourlyRate    int64
	EmergencyRate int64
}

// Location resolves the profile timezone, defaulting to UTC.
func (p Profile) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", p.Timezone, err)
	}
	return loc, nil
}

// Booking is an active reservation that occupies a consultant's time.
type Booking struct {
	RequestID string
	Window    Window
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotBookable is the sentinel behind every NotBookableError.
	ErrNotBookable = errors.New("window not bookable")

	// ErrConsultantNotFound is returned when no profile exists.
	ErrConsultantNotFound = errors.New("consultant not found")
)

// Reason explains why a window is not bookable.
type Reason string

const (
	ReasonOutOfHours    Reason = "out_of_hours"
	ReasonException     Reason = "exception"
	ReasonDoubleBooked  Reason = "double_booked"
	ReasonNotAccepting  Reason = "not_accepting"
	ReasonInvalidWindow Reason = "invalid_window"
	ReasonUnpriced      Reason = "unpriced"
)

// NotBookableError carries the failing check.
type NotBookableError struct {
	ConsultantID string
	Window       Window
	Reason       Reason
	Detail       string
}

func (e *NotBookableError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("consultant %s not bookable for %s: %s (%s)", e.ConsultantID, e.Window, e.Reason, e.Detail)
	}
	return fmt.Sprintf("consultant %s not bookable for %s: %s", e.ConsultantID, e.Window, e.Reason)
}

func (e *NotBookableError) Unwrap() error { return ErrNotBookable }

// ReasonOf extracts the reason from err, or "".
func ReasonOf(err error) Reason {
	var nb *NotBookableError
	if errors.As(err, &nb) {
		return nb.Reason
	}
	return ""
}
