package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Server is the HTTP query surface. Everything under the tenant group
// requires an X-Tenant-ID header; health, readiness and metrics do not.
type Server struct {
	router *chi.Mux
	http   *http.Server
}

// NewServer wires the router. The middleware order matters: CORS must
// answer preflights before anything can reject them, recovery wraps
// all handler work, and tracing runs before logging so the log line
// carries the trace ID.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)

	router := chi.NewRouter()
	router.Use(
		CORSMiddleware,
		RecoverMiddleware,
		TracingMiddleware,
		LoggingMiddleware,
		middleware.RealIP,
		middleware.Compress(5),
	)

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Synchronous scoring
		r.Post("/transactions", handler.ScoreTransaction)

		// Scoring artifacts
		r.Get("/scores/{txnID}", handler.GetScore)
		r.Get("/features/{txnID}", handler.GetFeatures)

		// Operator introspection
		r.Get("/windows/{accountID}", handler.GetWindows)
		r.Get("/countries", handler.GetCountries)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)

		// Reference updates
		r.Post("/reference/customers", handler.UpsertCustomer)
		r.Post("/reference/accounts", handler.UpsertAccount)
	})

	return &Server{
		router: router,
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:  2 * time.Minute,
		},
	}
}

// Start serves until Shutdown. Returns http.ErrServerClosed on a
// clean stop.
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Router exposes the mux so tests can drive requests without a
// listener.
func (s *Server) Router() *chi.Mux {
	return s.router
}
