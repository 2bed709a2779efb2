/*
requests.go - booking.Store: consultation requests and sessions

Requests are never deleted. UpdateRequest is a compare-and-set on status:
the engine's transitions race here, and the loser sees booking.ErrConflict.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/consultation-engine/booking"
	"github.com/warp/consultation-engine/ledger"
)

const requestColumns = `id, client_id, consultant_id, category_id, title, description, service_type,
	duration_minutes, scheduled_at, scheduled_end, is_immediate, status, quoted_amount, coupon_code,
	payment_method, cancelled_by, cancellation_reason, rejection_reason, expires_at, created_at, updated_at`

const sessionColumns = `id, request_id, client_id, consultant_id, scheduled_start, scheduled_end,
	actual_start, actual_end, client_joined_at, consultant_joined_at, room_id, recording_url,
	status, created_at, updated_at`

// =============================================================================
// REQUESTS
// =============================================================================

func (r repo) CreateRequest(ctx context.Context, req booking.Request) error {
	start, end := scheduledBounds(req)
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO consultation_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.ClientID, req.ConsultantID, nullString(req.CategoryID), nullString(req.Title),
		nullString(req.Description), req.ServiceType, req.DurationMinutes, start, end, req.Immediate,
		req.Status, int64(req.QuotedAmount), nullString(req.CouponCode), req.PaymentMethod,
		nullString(string(req.CancelledBy)), nullString(req.CancellationReason), nullString(req.RejectionReason),
		nullTime(req.ExpiresAt), formatTime(req.CreatedAt), formatTime(req.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("request %s already exists: %w", req.ID, booking.ErrConflict)
		}
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

func (r repo) Request(ctx context.Context, id string) (*booking.Request, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+requestColumns+` FROM consultation_requests WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reqs, err := scanRequests(rows)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, booking.ErrRequestNotFound
	}
	return &reqs[0], nil
}

func (r repo) UpdateRequest(ctx context.Context, req booking.Request, from booking.RequestStatus) error {
	start, end := scheduledBounds(req)
	res, err := r.q.ExecContext(ctx, `
		UPDATE consultation_requests SET
			scheduled_at = ?, scheduled_end = ?, status = ?, cancelled_by = ?,
			cancellation_reason = ?, rejection_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, start, end, req.Status, nullString(string(req.CancelledBy)),
		nullString(req.CancellationReason), nullString(req.RejectionReason), formatTime(req.UpdatedAt),
		req.ID, from)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.Request(ctx, req.ID); err != nil {
			return err
		}
		return fmt.Errorf("request %s no longer %s: %w", req.ID, from, booking.ErrConflict)
	}
	return nil
}

func (r repo) RequestsByClient(ctx context.Context, clientID string) ([]booking.Request, error) {
	return r.requests(ctx, `WHERE client_id = ? ORDER BY created_at DESC, rowid DESC`, clientID)
}

func (r repo) RequestsByConsultant(ctx context.Context, consultantID string) ([]booking.Request, error) {
	return r.requests(ctx, `WHERE consultant_id = ? ORDER BY created_at DESC, rowid DESC`, consultantID)
}

func (r repo) RequestsByStatus(ctx context.Context, status booking.RequestStatus) ([]booking.Request, error) {
	return r.requests(ctx, `WHERE status = ? ORDER BY created_at, rowid`, status)
}

func (r repo) requests(ctx context.Context, where string, arg any) ([]booking.Request, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+requestColumns+` FROM consultation_requests `+where, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// scheduledBounds stores the window end alongside the start so overlap
// queries stay in SQL.
func scheduledBounds(req booking.Request) (sql.NullString, sql.NullString) {
	if req.ScheduledAt.IsZero() {
		return sql.NullString{}, sql.NullString{}
	}
	w := req.Window()
	return nullTime(w.Start), nullTime(w.End)
}

func scanRequests(rows *sql.Rows) ([]booking.Request, error) {
	var out []booking.Request
	for rows.Next() {
		var (
			req                                     booking.Request
			category, title, description, coupon    sql.NullString
			scheduledAt, scheduledEnd, expiresAt    sql.NullString
			cancelledBy, cancelReason, rejectReason sql.NullString
			quoted                                  int64
			createdAt, updatedAt                    string
		)
		if err := rows.Scan(&req.ID, &req.ClientID, &req.ConsultantID, &category, &title, &description,
			&req.ServiceType, &req.DurationMinutes, &scheduledAt, &scheduledEnd, &req.Immediate, &req.Status,
			&quoted, &coupon, &req.PaymentMethod, &cancelledBy, &cancelReason, &rejectReason, &expiresAt,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		req.CategoryID = category.String
		req.Title = title.String
		req.Description = description.String
		req.CouponCode = coupon.String
		req.ScheduledAt = parseNullTime(scheduledAt)
		req.QuotedAmount = ledger.Amount(quoted)
		req.CancelledBy = booking.Role(cancelledBy.String)
		req.CancellationReason = cancelReason.String
		req.RejectionReason = rejectReason.String
		req.ExpiresAt = parseNullTime(expiresAt)
		req.CreatedAt = parseTime(createdAt)
		req.UpdatedAt = parseTime(updatedAt)
		out = append(out, req)
	}
	return out, rows.Err()
}

// =============================================================================
// SESSIONS
// =============================================================================

func (r repo) CreateSession(ctx context.Context, s booking.Session) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO consultation_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.RequestID, s.ClientID, s.ConsultantID, formatTime(s.ScheduledStart), formatTime(s.ScheduledEnd),
		nullTimePtr(s.ActualStart), nullTimePtr(s.ActualEnd), nullTimePtr(s.ClientJoinedAt),
		nullTimePtr(s.ConsultantJoinedAt), s.RoomID, nullString(s.RecordingURL), s.Status,
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("session for request %s already exists: %w", s.RequestID, booking.ErrConflict)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r repo) SessionByRequest(ctx context.Context, requestID string) (*booking.Session, error) {
	var (
		s                                      booking.Session
		start, end, createdAt, updatedAt       string
		actualStart, actualEnd, clientJ, consJ sql.NullString
		recording                              sql.NullString
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM consultation_sessions WHERE request_id = ?`, requestID).Scan(
		&s.ID, &s.RequestID, &s.ClientID, &s.ConsultantID, &start, &end,
		&actualStart, &actualEnd, &clientJ, &consJ, &s.RoomID, &recording,
		&s.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, booking.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	s.ScheduledStart = parseTime(start)
	s.ScheduledEnd = parseTime(end)
	s.ActualStart = parseNullTimePtr(actualStart)
	s.ActualEnd = parseNullTimePtr(actualEnd)
	s.ClientJoinedAt = parseNullTimePtr(clientJ)
	s.ConsultantJoinedAt = parseNullTimePtr(consJ)
	s.RecordingURL = recording.String
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}

func (r repo) UpdateSession(ctx context.Context, s booking.Session) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE consultation_sessions SET
			actual_start = ?, actual_end = ?, client_joined_at = ?, consultant_joined_at = ?,
			recording_url = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, nullTimePtr(s.ActualStart), nullTimePtr(s.ActualEnd), nullTimePtr(s.ClientJoinedAt),
		nullTimePtr(s.ConsultantJoinedAt), nullString(s.RecordingURL), s.Status, formatTime(s.UpdatedAt), s.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return booking.ErrSessionNotFound
	}
	return nil
}
