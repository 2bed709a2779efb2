package availability

import (
	"context"
	"fmt"
	"time"
)

// Store is the read side the resolver needs.
type Store interface {
	ConsultantProfile(ctx context.Context, consultantID string) (*Profile, error)
	Slots(ctx context.Context, consultantID string, weekday time.Weekday) ([]Slot, error)
	Exceptions(ctx context.Context, consultantID string, fromDate, toDate string) ([]Exception, error)

	// ActiveBookings returns accepted/scheduled/ongoing bookings overlapping [from, to).
	ActiveBookings(ctx context.Context, consultantID string, from, to time.Time) ([]Booking, error)
}

// Resolver answers bookability questions.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Bind returns a resolver reading through s, typically an open transaction.
func (r *Resolver) Bind(s Store) *Resolver {
	return &Resolver{store: s}
}

// IsBookable reports whether the window can be booked.
func (r *Resolver) IsBookable(ctx context.Context, consultantID string, w Window) (bool, Reason, error) {
	err := r.Check(ctx, consultantID, w, "")
	if err == nil {
		return true, "", nil
	}
	if reason := ReasonOf(err); reason != "" {
		return false, reason, nil
	}
	return false, "", err
}

// Check returns nil if the window is bookable, a *NotBookableError if not, or
// a lookup error. excludeRequestID skips the request being accepted so a
// re-check never collides with itself.
func (r *Resolver) Check(ctx context.Context, consultantID string, w Window, excludeRequestID string) error {
	if !w.Valid() {
		return &NotBookableError{ConsultantID: consultantID, Window: w, Reason: ReasonInvalidWindow}
	}

	profile, err := r.store.ConsultantProfile(ctx, consultantID)
	if err != nil {
		return err
	}
	loc, err := profile.Location()
	if err != nil {
		return err
	}

	date, weekday, start, end, ok := localSpan(w, loc)
	if !ok {
		return &NotBookableError{ConsultantID: consultantID, Window: w, Reason: ReasonOutOfHours, Detail: "crosses midnight"}
	}

	slots, err := r.store.Slots(ctx, consultantID, weekday)
	if err != nil {
		return fmt.Errorf("failed to load slots: %w", err)
	}
	exceptions, err := r.store.Exceptions(ctx, consultantID, date, date)
	if err != nil {
		return fmt.Errorf("failed to load exceptions: %w", err)
	}
	bookings, err := r.store.ActiveBookings(ctx, consultantID, w.Start, w.End)
	if err != nil {
		return fmt.Errorf("failed to load bookings: %w", err)
	}

	return evaluate(day{profile: *profile, slots: slots, exceptions: exceptions, bookings: bookings},
		w, start, end, excludeRequestID)
}

// FreeWindows lists bookable windows of length d on a consultant-local date,
// stepping through each slot by step.
func (r *Resolver) FreeWindows(ctx context.Context, consultantID, date string, d, step time.Duration) ([]Window, error) {
	if d <= 0 || step <= 0 {
		return nil, fmt.Errorf("duration and step must be positive")
	}
	profile, err := r.store.ConsultantProfile(ctx, consultantID)
	if err != nil {
		return nil, err
	}
	loc, err := profile.Location()
	if err != nil {
		return nil, err
	}
	midnight, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}
	nextMidnight := startOfNextDay(midnight)

	slots, err := r.store.Slots(ctx, consultantID, midnight.Weekday())
	if err != nil {
		return nil, fmt.Errorf("failed to load slots: %w", err)
	}
	exceptions, err := r.store.Exceptions(ctx, consultantID, date, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load exceptions: %w", err)
	}
	bookings, err := r.store.ActiveBookings(ctx, consultantID, midnight, nextMidnight)
	if err != nil {
		return nil, fmt.Errorf("failed to load bookings: %w", err)
	}
	dd := day{profile: *profile, slots: slots, exceptions: exceptions, bookings: bookings}

	var free []Window
	for _, slot := range slots {
		if !slot.IsActive {
			continue
		}
		slotStart := midnight.Add(time.Duration(slot.Start) * time.Minute)
		slotEnd := midnight.Add(time.Duration(slot.End) * time.Minute)
		for at := slotStart; !at.Add(d).After(slotEnd); at = at.Add(step) {
			w := NewWindow(at, d)
			_, _, start, end, ok := localSpan(w, loc)
			if !ok {
				continue
			}
			if evaluate(dd, w, start, end, "") == nil {
				free = append(free, w)
			}
		}
	}
	return free, nil
}

// day is everything the checks need for one consultant-local date.
type day struct {
	profile    Profile
	slots      []Slot
	exceptions []Exception
	bookings   []Booking
}

func evaluate(d day, w Window, start, end ClockTime, excludeRequestID string) error {
	consultantID := d.profile.ConsultantID
	if !d.profile.IsAcceptingRequests {
		return &NotBookableError{ConsultantID: consultantID, Window: w, Reason: ReasonNotAccepting}
	}

	// 1. Recurring slot must fully contain the window
	inHours := false
	for _, s := range d.slots {
		if s.IsActive && s.Contains(start, end) {
			inHours = true
			break
		}
	}
	if !inHours {
		return &NotBookableError{ConsultantID: consultantID, Window: w, Reason: ReasonOutOfHours}
	}

	// 2. No blocking exception
	for _, e := range d.exceptions {
		if e.Blocks(start, end) {
			return &NotBookableError{ConsultantID: consultantID, Window: w, Reason: ReasonException, Detail: string(e.Type)}
		}
	}

	// 3. No overlapping active booking
	for _, b := range d.bookings {
		if b.RequestID == excludeRequestID {
			continue
		}
		if b.Window.Overlaps(w) {
			return &NotBookableError{ConsultantID: consultantID, Window: w, Reason: ReasonDoubleBooked, Detail: b.RequestID}
		}
	}
	return nil
}
