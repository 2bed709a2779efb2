/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RequestLogger: zap access log
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. CORS:          Cross-origin requests for the frontend
  5. httprate:      Per-IP request budget
  6. Identity:      X-User-ID / X-User-Role into a booking.Actor (/api only,
                    except the signed Stripe webhook)

ROUTE GROUPS:
  /api/requests/*       Request lifecycle
  /api/me/*             Caller's own requests
  /api/wallets/me/*     Caller's wallet
  /api/coupons/*        Coupon preview
  /api/consultants/*    Availability queries
  /api/payments/*       Gateway callbacks
  /api/admin/*          Admin operations and demo scenarios (admin role)
  /health               Liveness + DB ping

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// RouterOptions carries the transport settings from config.
type RouterOptions struct {
	CORSOrigins        []string
	RateLimitPerMinute int // 0 disables rate limiting
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderUserID, HeaderUserRole},
		AllowCredentials: true,
	}))
	if opts.RateLimitPerMinute > 0 {
		r.Use(httprate.LimitByIP(opts.RateLimitPerMinute, time.Minute))
	}

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Authenticated by signature, not by identity headers
		r.Post("/payments/stripe/webhook", h.StripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(Identity)

			r.Route("/requests", func(r chi.Router) {
				r.Post("/", h.CreateRequest)
				r.Get("/{id}", h.GetRequest)
				r.Post("/{id}/accept", h.AcceptRequest)
				r.Post("/{id}/reject", h.RejectRequest)
				r.Post("/{id}/pay", h.PayRequest)
				r.Post("/{id}/join", h.JoinSession)
				r.Post("/{id}/complete", h.CompleteSession)
				r.Post("/{id}/cancel", h.CancelRequest)
				r.Post("/{id}/no-show", h.MarkNoShow)
				r.Post("/{id}/recording", h.AttachRecording)
			})

			r.Get("/me/requests", h.ListMyRequests)

			r.Route("/wallets/me", func(r chi.Router) {
				r.Get("/", h.GetMyWallet)
				r.Get("/transactions", h.GetMyTransactions)
				r.Post("/withdraw", h.Withdraw)
			})

			r.Post("/coupons/quote", h.QuoteCoupon)

			r.Route("/consultants/{id}", func(r chi.Router) {
				r.Get("/bookable", h.IsBookable)
				r.Get("/free", h.FreeWindows)
			})

			// Relayed by the payment service, which calls as admin
			r.With(AdminOnly).Post("/payments/callback", h.PaymentCallback)

			r.Route("/admin", func(r chi.Router) {
				r.Use(AdminOnly)
				r.Post("/consultants", h.SaveConsultant)
				r.Post("/slots", h.SaveSlot)
				r.Post("/exceptions", h.SaveException)
				r.Post("/coupons", h.SaveCoupon)
				r.Post("/wallets/{userID}/credit", h.CreditWallet)
				r.Get("/wallets/{userID}/reconcile", h.ReconcileWallet)
				r.Post("/config/reload", h.ReloadConfig)
				r.Post("/sweep", h.RunSweep)
				r.Get("/scenarios", h.ListScenarios)
				r.Post("/scenarios/load", h.LoadScenario)
			})
		})
	})

	return r
}
