package server

import (
	"context"
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sqlshift/sqlshift/internal/appid"
	"github.com/sqlshift/sqlshift/internal/observability"
	"github.com/sqlshift/sqlshift/internal/server/handlers"
	servermw "github.com/sqlshift/sqlshift/internal/server/middleware"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	s.router.Get("/health", handlers.ProbeHandler(handlers.ProbeAggregate))
	s.router.Get("/health/live", handlers.ProbeHandler(handlers.ProbeLive))
	s.router.Get("/health/ready", handlers.ProbeHandler(handlers.ProbeReady))
	s.router.Get("/health/startup", handlers.ProbeHandler(handlers.ProbeStartup))

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", MetricsHandler)

	if s.runs != nil {
		s.registerRunRoutes()
	}

	// Optional; requires <PREFIX>ADMIN_TOKEN.
	s.registerAdminEndpoint()
}

func (s *Server) registerRunRoutes() {
	h := handlers.NewRunsHandler(s.runs)
	s.router.Route("/v1/runs", func(r chi.Router) {
		r.With(servermw.IngressLimit(s.ingress)).Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{runID}", h.Get)
		r.Delete("/{runID}", h.Cancel)
		r.Get("/{runID}/events", h.Events)
		r.Post("/{runID}/jobs/{jobID}/retry", h.Retry)
	})
}

// registerAdminEndpoint optionally registers the admin signal endpoint
func (s *Server) registerAdminEndpoint() {
	tokenVar := appid.EnvVar(context.Background(), "ADMIN_TOKEN")
	adminToken := os.Getenv(tokenVar)
	logger := observability.ServerLogger

	if adminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no " + tokenVar + " set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10,  // 10 requests per minute
		RateBurst: 5,   // burst size
		Manager:   nil, // use default global manager
	})

	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("auth", "bearer token"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
