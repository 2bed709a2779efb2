/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence contract of the engine with SQLite. The same
  schema maps onto PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  ledger.TxStore:       Wallets and the append-only transaction log
  availability.Store:   Consultant profiles, slots, exceptions, active bookings
  coupon.Store:         Coupons and redemptions
  settlement.Store:     Payments
  booking.TxStore:      Requests and sessions

ATOMIC UNITS:
  WithTx (ledger) and Atomic (booking) run a function against a store bound
  to one *sql.Tx. Every repository method is written once against the
  querier interface, which both *sql.DB and *sql.Tx satisfy.

APPEND-ONLY ENFORCEMENT:
  - wallet_transactions has triggers rejecting UPDATE and DELETE
  - wallet balances change only through ApplyDelta, a single conditional
    UPDATE ... RETURNING that never takes a balance negative
  - CHECK constraints back the non-negative invariant

CONCURRENCY:
  The pool is limited to one connection, so SQLite sees one writer at a time
  and ":memory:" databases are shared by every caller. Conditional updates
  (status, balance, coupon usage) decide races; the loser sees zero rows.

USAGE:
  store, err := sqlite.New("./data/consultations.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/warp/consultation-engine/booking"
	"github.com/warp/consultation-engine/ledger"
)

// querier is the subset of *sql.DB and *sql.Tx the repositories use.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// repo holds every repository method; it runs against the db or a tx.
type repo struct {
	q querier
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	repo
	db *sql.DB
}

// txStore is a Store bound to one transaction.
type txStore struct {
	repo
}

var (
	_ ledger.TxStore  = (*Store)(nil)
	_ booking.TxStore = (*Store)(nil)
	_ booking.Store   = txStore{}
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{repo: repo{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// ATOMIC UNITS
// =============================================================================

func (s *Store) inTx(ctx context.Context, fn func(txStore) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(txStore{repo{q: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// WithTx executes fn within a database transaction (ledger.TxStore).
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.inTx(ctx, func(ts txStore) error { return fn(ts) })
}

// Atomic executes fn within a database transaction (booking.TxStore).
func (s *Store) Atomic(ctx context.Context, fn func(booking.Store) error) error {
	return s.inTx(ctx, func(ts txStore) error { return fn(ts) })
}

// =============================================================================
// SCHEMA
// =============================================================================

func (s *Store) migrate() error {
	schema := `
	-- Wallets: one per user
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		frozen_balance INTEGER NOT NULL DEFAULT 0 CHECK (frozen_balance >= 0),
		currency TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Wallet transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS wallet_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		amount INTEGER NOT NULL,
		frozen_delta INTEGER NOT NULL DEFAULT 0,
		balance_after INTEGER NOT NULL,
		frozen_after INTEGER NOT NULL,
		transaction_type TEXT NOT NULL,
		reference_type TEXT,
		reference_id TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		description TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_wallet
		ON wallet_transactions(wallet_id, seq);
	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_reference
		ON wallet_transactions(reference_type, reference_id) WHERE reference_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS wallet_transactions_no_update
		BEFORE UPDATE ON wallet_transactions
		BEGIN SELECT RAISE(ABORT, 'wallet_transactions is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS wallet_transactions_no_delete
		BEFORE DELETE ON wallet_transactions
		BEGIN SELECT RAISE(ABORT, 'wallet_transactions is append-only'); END;

	-- Consultant profiles (the fields the engine reads)
	CREATE TABLE IF NOT EXISTS consultant_profiles (
		consultant_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		commission_rate TEXT,
		is_accepting_requests INTEGER NOT NULL DEFAULT 1,
		hourly_rate INTEGER NOT NULL DEFAULT 0 CHECK (hourly_rate >= 0),
		emergency_rate INTEGER NOT NULL DEFAULT 0 CHECK (emergency_rate >= 0)
	);

	-- Weekly recurring availability
	CREATE TABLE IF NOT EXISTS availability_slots (
		id TEXT PRIMARY KEY,
		consultant_id TEXT NOT NULL REFERENCES consultant_profiles(consultant_id),
		weekday INTEGER NOT NULL CHECK (weekday BETWEEN 0 AND 6),
		start_minute INTEGER NOT NULL,
		end_minute INTEGER NOT NULL CHECK (end_minute > start_minute AND end_minute <= 1440),
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_slots_consultant_weekday
		ON availability_slots(consultant_id, weekday);

	-- Date-specific overrides; NULL bounds block the whole day
	CREATE TABLE IF NOT EXISTS time_exceptions (
		id TEXT PRIMARY KEY,
		consultant_id TEXT NOT NULL REFERENCES consultant_profiles(consultant_id),
		date TEXT NOT NULL,
		start_minute INTEGER,
		end_minute INTEGER,
		exception_type TEXT NOT NULL,
		reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_exceptions_consultant_date
		ON time_exceptions(consultant_id, date);

	-- Coupons
	CREATE TABLE IF NOT EXISTS coupons (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		discount_type TEXT NOT NULL,
		percentage TEXT NOT NULL DEFAULT '0',
		fixed_amount INTEGER NOT NULL DEFAULT 0,
		maximum_discount INTEGER NOT NULL DEFAULT 0,
		minimum_amount INTEGER NOT NULL DEFAULT 0,
		valid_from TEXT,
		valid_until TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		max_usage INTEGER NOT NULL DEFAULT 0,
		max_usage_per_user INTEGER NOT NULL DEFAULT 0,
		current_usage INTEGER NOT NULL DEFAULT 0,
		applicable_categories TEXT NOT NULL DEFAULT '[]',
		applicable_consultants TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		CHECK (max_usage = 0 OR current_usage <= max_usage)
	);

	-- One redemption per request
	CREATE TABLE IF NOT EXISTS coupon_usages (
		id TEXT PRIMARY KEY,
		coupon_id TEXT NOT NULL REFERENCES coupons(id),
		user_id TEXT NOT NULL,
		request_id TEXT NOT NULL UNIQUE,
		discount_amount INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_coupon_usages_coupon_user
		ON coupon_usages(coupon_id, user_id);

	-- Consultation requests (never deleted)
	CREATE TABLE IF NOT EXISTS consultation_requests (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		consultant_id TEXT NOT NULL,
		category_id TEXT,
		title TEXT,
		description TEXT,
		service_type TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL,
		scheduled_at TEXT,
		scheduled_end TEXT,
		is_immediate INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		quoted_amount INTEGER NOT NULL,
		coupon_code TEXT,
		payment_method TEXT NOT NULL,
		cancelled_by TEXT,
		cancellation_reason TEXT,
		rejection_reason TEXT,
		expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_consultant_status
		ON consultation_requests(consultant_id, status, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_requests_client
		ON consultation_requests(client_id);
	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON consultation_requests(status);

	-- Sessions: 1:1 with an accepted request
	CREATE TABLE IF NOT EXISTS consultation_sessions (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL UNIQUE REFERENCES consultation_requests(id),
		client_id TEXT NOT NULL,
		consultant_id TEXT NOT NULL,
		scheduled_start TEXT NOT NULL,
		scheduled_end TEXT NOT NULL,
		actual_start TEXT,
		actual_end TEXT,
		client_joined_at TEXT,
		consultant_joined_at TEXT,
		room_id TEXT NOT NULL,
		recording_url TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Payments
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		payer_user_id TEXT NOT NULL,
		payment_type TEXT NOT NULL,
		method TEXT NOT NULL,
		amount INTEGER NOT NULL,
		original_amount INTEGER NOT NULL,
		discount_amount INTEGER NOT NULL DEFAULT 0,
		commission_amount INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		gateway_ref TEXT UNIQUE,
		gateway_response BLOB,
		coupon_id TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		failure_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_request
		ON payments(request_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullTime(*t)
}

func parseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return parseTime(ns.String)
}

func parseNullTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}
