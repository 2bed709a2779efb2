package booking

import (
	"errors"
	"fmt"

	"github.com/warp/consultation-engine/availability"
	"github.com/warp/consultation-engine/coupon"
	"github.com/warp/consultation-engine/ledger"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConflict is returned when the request is not in the state the
	// operation needs, usually because another caller moved it first.
	ErrConflict = errors.New("request state conflict")

	// ErrAlreadyFinal is returned when cancelling a terminal request.
	ErrAlreadyFinal = errors.New("request already final")

	ErrRequestNotFound = errors.New("request not found")
	ErrSessionNotFound = errors.New("session not found")

	// ErrForbidden is returned when the actor is not a party to the request.
	ErrForbidden = errors.New("actor not allowed")

	// ErrValidation is the sentinel behind ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrRequestExpired is returned when accepting a pending request past
	// its TTL.
	ErrRequestExpired = errors.New("request expired")

	// ErrNotDue is returned when a timed transition is attempted too early.
	ErrNotDue = errors.New("transition not due yet")

	// ErrSessionOver is returned when joining after the window ended.
	ErrSessionOver = errors.New("session window has ended")

	// ErrPaymentPending is returned when a session cannot start because the
	// payment is not authorized yet.
	ErrPaymentPending = errors.New("payment not authorized")

	// ErrPartyAbsent is returned when completing a session one party never
	// joined.
	ErrPartyAbsent = errors.New("party absent")

	// ErrPartiesPresent is returned when marking a no-show for a session
	// both parties joined.
	ErrPartiesPresent = errors.New("both parties joined")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ConflictError carries the status the operation found.
type ConflictError struct {
	RequestID string
	Op        string
	Current   RequestStatus
	Err       error // lock contention, when that was the cause
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot %s request %s: %v", e.Op, e.RequestID, e.Err)
	}
	return fmt.Sprintf("cannot %s request %s: status is %s", e.Op, e.RequestID, e.Current)
}

func (e *ConflictError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConflict, e.Err}
	}
	return []error{ErrConflict}
}

// ValidationError explains invalid input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the caller's request and
// must not be retried.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrAlreadyFinal) ||
		errors.Is(err, availability.ErrNotBookable) ||
		errors.Is(err, coupon.ErrInvalidCoupon) ||
		ledger.IsClientError(err)
}
