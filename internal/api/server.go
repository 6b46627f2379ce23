package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-commerce/shrike/internal/applicability"
	"github.com/opensource-commerce/shrike/internal/coupons"
	"github.com/opensource-commerce/shrike/internal/domain"
	"github.com/opensource-commerce/shrike/internal/firing"
	"github.com/opensource-commerce/shrike/internal/rulebase"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, compiler domain.RuleCompiler, ruleBases *rulebase.Cache, resolver *applicability.Resolver, evaluator *firing.Evaluator, couponSvc *coupons.Service, allocator *coupons.AllocationEngine, version string) *Server {
	handler := NewHandler(repo, cache, bus, compiler, ruleBases, resolver, evaluator, couponSvc, allocator, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no store required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (store required)
	router.Route("/", func(r chi.Router) {
		r.Use(StoreMiddleware)

		// Promotion evaluation
		r.Post("/cart/evaluate", handler.EvaluateCart)
		r.Post("/catalog/evaluate", handler.EvaluateCatalog)

		// Coupon application
		r.Post("/coupons/apply", handler.ApplyCoupon)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{code}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)

		// Rule base management
		r.Post("/rulebase/reload", handler.ReloadRuleBase)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
