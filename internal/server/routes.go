package server

import (
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nocloudhq/cloudbridge/internal/server/handlers"
	servermw "github.com/nocloudhq/cloudbridge/internal/server/middleware"
	"github.com/nocloudhq/cloudbridge/internal/transport"
)

func (s *Server) registerRoutes() {
	s.opts.Health.Routes(s.router.Get)
	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", s.metrics.ServeHTTP)

	if s.opts.Dispatcher != nil {
		s.router.Post(transport.RequestPath, s.events.HandleRequest)
	}
	if s.opts.Responses != nil {
		s.router.Post(transport.ResponsePath, s.events.HandleResponse)
	}

	s.registerAdminRoutes()
}

// registerAdminRoutes mounts /admin when an admin token is configured.
func (s *Server) registerAdminRoutes() {
	if s.opts.AdminToken == "" {
		s.logger.Debug("Admin endpoints disabled (no admin token set)")
		return
	}

	s.router.Route("/admin", func(r chi.Router) {
		// The signal handler authenticates and rate limits on its own.
		r.Post("/signal", signals.NewHTTPHandler(signals.HTTPConfig{
			TokenAuth: s.opts.AdminToken,
			RateLimit: 10,
			RateBurst: 5,
		}).ServeHTTP)

		if s.opts.RateLimit != nil {
			admin := handlers.NewRateLimitHandlers(s.opts.RateLimit, s.opts.RateLimitMax)
			r.Group(func(r chi.Router) {
				r.Use(servermw.RequireBearer(s.opts.AdminToken))
				r.Get("/rate-limit/windows", admin.Windows)
				r.Post("/rate-limit/reset", admin.Reset)
			})
		}
	})

	s.logger.Info("Admin endpoints enabled",
		zap.String("path", "/admin"),
		zap.String("auth", "bearer token"))
	s.logger.Warn("Admin endpoints enabled - ensure this server is not exposed to public internet")
}
