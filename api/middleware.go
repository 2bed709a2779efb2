package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/consultation-engine/booking"
)

// Identity headers set by the auth proxy in front of the engine.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

type ctxKey int

const actorKey ctxKey = iota

// Identity turns the trusted identity headers into a booking.Actor.
// Requests without a user or with an unknown role are rejected.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+HeaderUserID+" header", nil)
			return
		}
		role := booking.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole))))
		switch role {
		case booking.RoleClient, booking.RoleConsultant, booking.RoleAdmin:
		case "":
			role = booking.RoleClient
		default:
			writeError(w, http.StatusUnauthorized, "Unknown role "+string(role), nil)
			return
		}
		ctx := context.WithValue(r.Context(), actorKey, booking.Actor{UserID: userID, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly rejects non-admin actors. Must run after Identity.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actorFrom(r.Context()).Role != booking.RoleAdmin {
			writeError(w, http.StatusForbidden, "Admin role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorFrom(ctx context.Context) booking.Actor {
	a, _ := ctx.Value(actorKey).(booking.Actor)
	return a
}

// RequestLogger logs one line per request with zap.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				}
				switch {
				case ww.Status() >= http.StatusInternalServerError:
					log.Error("http request", fields...)
				case ww.Status() >= http.StatusBadRequest:
					log.Warn("http request", fields...)
				default:
					log.Info("http request", fields...)
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
