/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/transfers/*       Transfer lifecycle and queries
  /api/claims            Claim vested balances
  /api/addresses/*       Balance queries
  /api/custody/*         In-memory bank (dev only)
  /api/scenarios/*       Demo scenarios
  /api/reconciliation/*  Reconciliation runs
  /healthz               Liveness

SECURITY NOTE:
  The caller is whatever X-Caller says. Put an authenticating proxy in
  front of this server before exposing it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tune the router. The zero value is usable.
type RouterOptions struct {
	AllowedOrigins []string
	// Quiet disables request logging, e.g. in tests.
	Quiet bool
}

// NewRouter creates a new router with all routes configured. rs may be nil.
func NewRouter(h *Handler, rs *ReconciliationScheduler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	if !opts.Quiet {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderCaller, HeaderIdempotencyKey},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/transfers", func(r chi.Router) {
			r.Get("/", h.ListTransfers)
			r.Post("/", h.CreateTransfer)
			r.Get("/{id}", h.GetTransfer)
			r.Post("/{id}/execute", h.ExecuteTransfer)
			r.Post("/{id}/cancel", h.CancelTransfer)
		})

		r.Post("/claims", h.ClaimBalances)
		r.Get("/addresses/{address}/balances", h.GetBalances)

		r.Route("/custody", func(r chi.Router) {
			r.Post("/mint", h.Mint)
			r.Post("/freeze", h.Freeze)
			r.Get("/{address}", h.GetHoldings)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		if rs != nil {
			r.Route("/reconciliation", func(r chi.Router) {
				r.Get("/runs", rs.ListRuns)
				r.Post("/run", rs.Trigger)
			})
		}
	})

	return r
}
