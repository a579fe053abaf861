/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for staff clients

ROUTE GROUPS:
  /api/circulation/*         Circulation actions and loan views
  /api/actual-cost-records/* Actual cost billing
  /api/requests              Holds
  /api/items, /api/patrons, /api/service-points, /api/circulation-rules
                             Setup
  /api/policies/*            Policy management
  /api/admin/*               Sweep operations
  /api/scenarios/*           Demo scenarios
  /health                    Liveness

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

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

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Circulation routes
		r.Route("/circulation", func(r chi.Router) {
			r.Post("/check-out", h.CheckOut)
			r.Post("/check-in", h.CheckIn)

			r.Route("/loans/{id}", func(r chi.Router) {
				r.Get("/", h.GetLoan)
				r.Post("/renew", h.Renew)
				r.Post("/change-due-date", h.ChangeDueDate)
				r.Post("/declare-item-lost", h.DeclareLost)
				r.Post("/claim-item-returned", h.ClaimReturned)
				r.Post("/declare-claimed-returned-item-as-missing", h.MarkMissing)
				r.Get("/accounts", h.LoanAccounts)
				r.Get("/scheduled-notices", h.LoanNotices)
				r.Get("/actual-cost-records", h.LoanActualCostRecords)
				r.Get("/events", h.LoanEvents)
			})
		})

		// Actual cost routes
		r.Route("/actual-cost-records/{id}", func(r chi.Router) {
			r.Post("/bill", h.BillActualCost)
			r.Post("/cancel", h.CancelActualCost)
		})

		// Hold routes
		r.Post("/requests", h.PlaceHold)

		// Setup routes
		r.Put("/items", h.PutItem)
		r.Put("/patrons", h.PutPatron)
		r.Put("/service-points", h.PutServicePoint)
		r.Get("/circulation-rules", h.GetRules)
		r.Put("/circulation-rules", h.SetRules)

		// Policy routes
		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.ListPolicies)
			r.Post("/", h.CreatePolicy)
			r.Get("/{id}", h.GetPolicy)
			r.Delete("/{id}", h.DeletePolicy)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.RunSweep)
			r.Get("/sweeps", h.ListSweeps)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Circulation Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Circulation Engine API</h1>
<ul>
<li><a href="/api/policies">/api/policies</a> - List policies</li>
<li><a href="/api/circulation-rules">/api/circulation-rules</a> - Circulation rules</li>
<li><a href="/api/admin/sweeps">/api/admin/sweeps</a> - Recent sweeps</li>
<li><a href="/api/scenarios">/api/scenarios</a> - List scenarios</li>
</ul>
</body>
</html>`))
	})

	return r
}
