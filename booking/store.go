/*
store.go - Persistence contract for requests and sessions

A booking Store is a superset of the settlement and availability stores, so
one atomic unit can carry the status update, the availability re-check,
the coupon redemption and the ledger rows.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go
*/
package booking

import (
	"context"

	"github.com/warp/consultation-engine/availability"
	"github.com/warp/consultation-engine/settlement"
)

// Store handles persistence of requests and sessions.
type Store interface {
	settlement.Store
	availability.Store

	CreateRequest(ctx context.Context, r Request) error

	// Request returns a request or ErrRequestNotFound.
	Request(ctx context.Context, id string) (*Request, error)

	// UpdateRequest writes r only if the stored status is still from.
	// Fails with ErrConflict otherwise.
	UpdateRequest(ctx context.Context, r Request, from RequestStatus) error

	RequestsByClient(ctx context.Context, clientID string) ([]Request, error)
	RequestsByConsultant(ctx context.Context, consultantID string) ([]Request, error)
	RequestsByStatus(ctx context.Context, status RequestStatus) ([]Request, error)

	// CreateSession inserts a session. One per request; a second insert
	// fails with ErrConflict.
	CreateSession(ctx context.Context, s Session) error

	// SessionByRequest returns the request's session or ErrSessionNotFound.
	SessionByRequest(ctx context.Context, requestID string) (*Session, error)
	UpdateSession(ctx context.Context, s Session) error
}

// TxStore wraps Store with atomic units.
type TxStore interface {
	Store

	// Atomic executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	Atomic(ctx context.Context, fn func(Store) error) error
}
