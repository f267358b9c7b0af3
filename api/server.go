/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the finance frontend

ROUTE GROUPS:
  /api/accounts/*       Chart of accounts, balances
  /api/debtors/*        Leases
  /api/accruals/*       Rent accrual
  /api/payments         Allocation
  /api/students/*       Outstanding obligations
  /api/transactions/*   Ledger reads, manual posting, corrections
  /api/admin/*          Audit and cleanup (rate limited)
  /api/scenarios/*      Demo scenarios

RATE LIMITING:
  Admin routes scan or rewrite the whole ledger, so they are limited per
  client IP with httprate.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

const (
	adminRateLimit  = 10
	adminRateWindow = time.Minute
)

// NewRouter creates a new router with all routes configured. Empty origins
// allows the local frontend dev servers.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)
			r.Get("/{code}/balance", h.GetAccountBalance)
		})

		r.Route("/debtors", func(r chi.Router) {
			r.Get("/", h.ListDebtors)
			r.Post("/", h.CreateDebtor)
		})

		r.Route("/accruals", func(r chi.Router) {
			r.Post("/", h.CreateAccrual)
			r.Post("/batch", h.CreateAccrualBatch)
		})

		r.Post("/payments", h.AllocatePayment)
		r.Get("/students/{id}/outstanding", h.GetOutstanding)

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Post("/", h.PostTransaction)
			r.Get("/{id}", h.GetTransaction)
			r.Post("/{id}/reverse", h.ReverseTransaction)
			r.Post("/{id}/forfeit", h.ForfeitAccrual)
			r.Post("/{id}/approve", h.ApproveTransaction)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(httprate.Limit(adminRateLimit, adminRateWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					writeError(w, http.StatusTooManyRequests, "Too many admin requests", nil)
				}),
			))
			r.Get("/audit", h.GetAudit)
			r.Post("/cleanup-reversals", h.CleanupReversals)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
