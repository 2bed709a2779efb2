/*
availability.go - availability.Store plus the admin writes that seed it

Consultant profiles, slots and exceptions are owned by the surrounding
platform; the engine only reads them. The Save* methods exist for seeding
and for the admin endpoints.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/consultation-engine/availability"
	"github.com/warp/consultation-engine/booking"
)

// =============================================================================
// PROFILES
// =============================================================================

func (r repo) SaveConsultantProfile(ctx context.Context, p availability.Profile) error {
	var rate sql.NullString
	if p.CommissionRate != nil {
		rate = sql.NullString{String: p.CommissionRate.String(), Valid: true}
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO consultant_profiles (consultant_id, user_id, timezone, commission_rate, is_accepting_requests,
			hourly_rate, emergency_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(consultant_id) DO UPDATE SET
			user_id = excluded.user_id,
			timezone = excluded.timezone,
			commission_rate = excluded.commission_rate,
			is_accepting_requests = excluded.is_accepting_requests,
			hourly_rate = excluded.hourly_rate,
			emergency_rate = excluded.emergency_rate
	`, p.ConsultantID, p.UserID, p.Timezone, rate, p.IsAcceptingRequests, p.HourlyRate, p.EmergencyRate)
	if err != nil {
		return fmt.Errorf("failed to save consultant profile: %w", err)
	}
	return nil
}

func (r repo) ConsultantProfile(ctx context.Context, consultantID string) (*availability.Profile, error) {
	var (
		p    availability.Profile
		rate sql.NullString
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT consultant_id, user_id, timezone, commission_rate, is_accepting_requests,
			hourly_rate, emergency_rate
		FROM consultant_profiles WHERE consultant_id = ?
	`, consultantID).Scan(&p.ConsultantID, &p.UserID, &p.Timezone, &rate, &p.IsAcceptingRequests,
		&p.HourlyRate, &p.EmergencyRate)
	if err == sql.ErrNoRows {
		return nil, availability.ErrConsultantNotFound
	}
	if err != nil {
		return nil, err
	}
	if rate.Valid {
		d, err := decimal.NewFromString(rate.String)
		if err != nil {
			return nil, fmt.Errorf("consultant %s: bad commission rate %q: %w", consultantID, rate.String, err)
		}
		p.CommissionRate = &d
	}
	return &p, nil
}

// =============================================================================
// SLOTS & EXCEPTIONS
// =============================================================================

func (r repo) SaveSlot(ctx context.Context, s availability.Slot) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO availability_slots (id, consultant_id, weekday, start_minute, end_minute, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			weekday = excluded.weekday,
			start_minute = excluded.start_minute,
			end_minute = excluded.end_minute,
			is_active = excluded.is_active
	`, s.ID, s.ConsultantID, int(s.Weekday), int(s.Start), int(s.End), s.IsActive)
	if err != nil {
		return fmt.Errorf("failed to save slot: %w", err)
	}
	return nil
}

func (r repo) Slots(ctx context.Context, consultantID string, weekday time.Weekday) ([]availability.Slot, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, consultant_id, weekday, start_minute, end_minute, is_active
		FROM availability_slots
		WHERE consultant_id = ? AND weekday = ?
		ORDER BY start_minute
	`, consultantID, int(weekday))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []availability.Slot
	for rows.Next() {
		var (
			s               availability.Slot
			day, start, end int
		)
		if err := rows.Scan(&s.ID, &s.ConsultantID, &day, &start, &end, &s.IsActive); err != nil {
			return nil, err
		}
		s.Weekday = time.Weekday(day)
		s.Start = availability.ClockTime(start)
		s.End = availability.ClockTime(end)
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

func (r repo) SaveException(ctx context.Context, e availability.Exception) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO time_exceptions (id, consultant_id, date, start_minute, end_minute, exception_type, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			date = excluded.date,
			start_minute = excluded.start_minute,
			end_minute = excluded.end_minute,
			exception_type = excluded.exception_type,
			reason = excluded.reason
	`, e.ID, e.ConsultantID, e.Date, nullClock(e.Start), nullClock(e.End), e.Type, nullString(e.Reason))
	if err != nil {
		return fmt.Errorf("failed to save exception: %w", err)
	}
	return nil
}

// Exceptions returns overrides dated within [fromDate, toDate], inclusive.
func (r repo) Exceptions(ctx context.Context, consultantID string, fromDate, toDate string) ([]availability.Exception, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, consultant_id, date, start_minute, end_minute, exception_type, reason
		FROM time_exceptions
		WHERE consultant_id = ? AND date >= ? AND date <= ?
		ORDER BY date, start_minute
	`, consultantID, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []availability.Exception
	for rows.Next() {
		var (
			e          availability.Exception
			start, end sql.NullInt64
			reason     sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ConsultantID, &e.Date, &start, &end, &e.Type, &reason); err != nil {
			return nil, err
		}
		e.Start = clockPtr(start)
		e.End = clockPtr(end)
		e.Reason = reason.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// ACTIVE BOOKINGS
// =============================================================================

// ActiveBookings relies on RFC3339 UTC strings sorting chronologically.
func (r repo) ActiveBookings(ctx context.Context, consultantID string, from, to time.Time) ([]availability.Booking, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, scheduled_at, scheduled_end
		FROM consultation_requests
		WHERE consultant_id = ?
		  AND status IN (?, ?, ?)
		  AND scheduled_at IS NOT NULL
		  AND scheduled_at < ? AND scheduled_end > ?
		ORDER BY scheduled_at
	`, consultantID, booking.RequestAccepted, booking.RequestScheduled, booking.RequestOngoing,
		formatTime(to), formatTime(from))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []availability.Booking
	for rows.Next() {
		var b availability.Booking
		var start, end string
		if err := rows.Scan(&b.RequestID, &start, &end); err != nil {
			return nil, err
		}
		b.Window = availability.Window{Start: parseTime(start), End: parseTime(end)}
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullClock(c *availability.ClockTime) sql.NullInt64 {
	if c == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*c), Valid: true}
}

func clockPtr(n sql.NullInt64) *availability.ClockTime {
	if !n.Valid {
		return nil
	}
	c := availability.ClockTime(n.Int64)
	return &c
}
