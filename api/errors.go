package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/consultation-engine/availability"
	"github.com/warp/consultation-engine/booking"
	"github.com/warp/consultation-engine/coupon"
	"github.com/warp/consultation-engine/ledger"
	"github.com/warp/consultation-engine/lock"
	"github.com/warp/consultation-engine/settlement"
)

// =============================================================================
// ERROR MAPPING
// =============================================================================

// errorStatus maps a domain error onto an HTTP status and a stable code.
// Order matters: the more specific sentinels are checked first.
func errorStatus(err error) (int, string) {
	var (
		conflict *booking.ConflictError
		verrs    validator.ValidationErrors
	)
	switch {
	case errors.As(err, &verrs), errors.Is(err, booking.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"

	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"

	case errors.Is(err, booking.ErrForbidden):
		return http.StatusForbidden, "forbidden"

	case errors.Is(err, booking.ErrRequestNotFound),
		errors.Is(err, booking.ErrSessionNotFound),
		errors.Is(err, availability.ErrConsultantNotFound),
		errors.Is(err, ledger.ErrWalletNotFound),
		errors.Is(err, settlement.ErrPaymentNotFound),
		errors.Is(err, coupon.ErrCouponNotFound):
		return http.StatusNotFound, "not_found"

	case errors.Is(err, coupon.ErrInvalidCoupon):
		return http.StatusUnprocessableEntity, "invalid_coupon"

	case errors.Is(err, booking.ErrAlreadyFinal):
		return http.StatusConflict, "already_final"
	case errors.Is(err, availability.ErrNotBookable):
		return http.StatusConflict, "not_bookable"
	case errors.Is(err, booking.ErrRequestExpired):
		return http.StatusConflict, "request_expired"
	case errors.Is(err, lock.ErrContended):
		return http.StatusConflict, "busy"
	case errors.As(err, &conflict),
		errors.Is(err, settlement.ErrPaymentConflict),
		errors.Is(err, ledger.ErrIdempotencyMismatch):
		return http.StatusConflict, "conflict"
	case errors.Is(err, booking.ErrNotDue),
		errors.Is(err, booking.ErrSessionOver),
		errors.Is(err, booking.ErrPaymentPending),
		errors.Is(err, booking.ErrPartyAbsent),
		errors.Is(err, booking.ErrPartiesPresent),
		errors.Is(err, ledger.ErrWalletInactive):
		return http.StatusConflict, "invalid_state"

	case errors.Is(err, settlement.ErrGatewayTimeout):
		return http.StatusAccepted, "gateway_pending"

	case booking.IsClientError(err):
		return http.StatusBadRequest, "bad_request"
	}
	return http.StatusInternalServerError, "internal"
}

// fail writes err with its mapped status. Server errors are logged and
// their details hidden.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger(r).Error("request failed", zap.Error(err))
		writeJSON(w, status, ErrorResponse{Error: "Internal server error", Code: code})
		return
	}

	resp := ErrorResponse{Error: err.Error(), Code: code}
	var (
		insufficient *ledger.InsufficientFundsError
		notBookable  *availability.NotBookableError
		invalid      *coupon.InvalidCouponError
		conflict     *booking.ConflictError
		verrs        validator.ValidationErrors
	)
	switch {
	case errors.As(err, &verrs):
		resp.Error = "Invalid request body"
		resp.Details = validationDetails(verrs)
	case errors.As(err, &insufficient):
		resp.Details = map[string]int64{"shortfall": int64(insufficient.Shortfall())}
	case errors.As(err, &notBookable):
		resp.Details = map[string]string{"reason": string(notBookable.Reason)}
	case errors.As(err, &invalid):
		resp.Details = map[string]string{"reason": string(invalid.Reason)}
	case errors.As(err, &conflict) && conflict.Current != "":
		resp.Details = map[string]string{"status": string(conflict.Current)}
	}
	writeJSON(w, status, resp)
}

// validationDetails lists failing fields by their JSON name.
func validationDetails(verrs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out[fe.Field()] = msg
	}
	return out
}
