/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:    Unique ID per request, echoed in logs
  2. RequestLogger: zap access log (method, route, status, duration)
  3. Recoverer:    Panic recovery (500 instead of crash)
  4. Metrics:      Prometheus request counter and latency by route pattern
  5. CORS:         Cross-origin requests for the frontend
  6. TrainerScope: /api only. Resolves the trainer from X-Trainer-ID

ROUTE GROUPS:
  /health               Liveness + store ping
  /metrics              Prometheus exposition
  /api/summary          Trainer totals
  /api/clients/*        Clients and their ledgers
  /api/punches/*        Punch removal and edits
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  Authentication is handled in front of this service. X-Trainer-ID is
  trusted as the session's trainer.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/trainer-ledger/ledger"
	"github.com/warp/trainer-ledger/logger"
)

// TrainerHeader carries the authenticated trainer's id.
const TrainerHeader = "X-Trainer-ID"

// RouterConfig configures NewRouter.
type RouterConfig struct {
	AllowedOrigins []string
	Metrics        *Metrics

	// Pinger is checked by /health when set.
	Pinger interface{ Ping(context.Context) error }
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.instrument)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", TrainerHeader},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Pinger != nil {
			if err := cfg.Pinger.Ping(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, ErrorResponse{
					Error:   "Store unavailable",
					Code:    "unavailable",
					Details: err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(TrainerScope)

		r.Get("/summary", h.Summary)

		r.Route("/clients", func(r chi.Router) {
			r.Get("/", h.ListClients)
			r.Post("/", h.CreateClient)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetClient)
				r.Put("/", h.UpdateClient)
				r.Delete("/", h.DeleteClient)
				r.Post("/restore", h.RestoreClient)

				r.Post("/punches", h.AddPunch)
				r.Get("/punches", h.ListPunches)
				r.Post("/payments", h.AddPayment)
				r.Get("/payments", h.ListPayments)
				r.Post("/rate", h.ChangeRate)
				r.Get("/rates", h.RateHistory)

				r.Get("/audit", h.AuditTrail)
				r.Get("/timeline", h.Timeline)
				r.Get("/reconcile", h.Reconcile)
			})
		})

		r.Route("/punches", func(r chi.Router) {
			r.Delete("/{id}", h.RemovePunch)
			r.Put("/{id}", h.EditPunch)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type ctxKey int

const trainerKey ctxKey = iota

// TrainerScope rejects requests without X-Trainer-ID and stores the
// trainer in the request context.
func TrainerScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TrainerHeader)
		if id == "" {
			writeError(w, http.StatusUnauthorized, ErrorResponse{
				Error: "Missing " + TrainerHeader,
				Code:  "unauthorized",
			})
			return
		}
		ctx := context.WithValue(r.Context(), trainerKey, ledger.TrainerID(id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// trainerFrom returns the trainer set by TrainerScope.
func trainerFrom(r *http.Request) ledger.TrainerID {
	id, _ := r.Context().Value(trainerKey).(ledger.TrainerID)
	return id
}

// RequestLogger writes one access log line per request through the global logger.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.InfoCtx(r.Context(), "HTTP request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
