// Package server exposes the event transport, health, metrics, and admin
// endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/nocloudhq/cloudbridge/internal/errors"
	"github.com/nocloudhq/cloudbridge/internal/observability"
	"github.com/nocloudhq/cloudbridge/internal/server/handlers"
	servermw "github.com/nocloudhq/cloudbridge/internal/server/middleware"
)

// Options configures a Server. Dispatcher and Responses select the roles
// this process plays on the event transport; either may be nil.
type Options struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Dispatcher handlers.RequestDispatcher
	Responses  handlers.ResponseSink

	// TrustedProxies are the peers whose X-Real-IP and X-Forwarded-For
	// headers replace the connection address.
	TrustedProxies []*net.IPNet

	// CallerToken must accompany X-Identifier-* headers for them to count.
	CallerToken string

	// ReplyToHosts are reply-to hosts allowed besides the peer itself.
	ReplyToHosts []string

	// RateLimit is served under /admin/rate-limit when AdminToken is set.
	RateLimit    handlers.RateLimitAdmin
	RateLimitMax int
	AdminToken   string

	// MetricsPort is the exporter port /metrics falls back to when the
	// exporter did not report the port it bound.
	MetricsPort int

	Health  *handlers.HealthManager
	Version string
	Logger  observability.Logger
}

// Server represents the HTTP server
type Server struct {
	opts    Options
	router  *chi.Mux
	events  *handlers.Events
	metrics *metricsProxy
	logger  observability.Logger

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
}

// New creates a new HTTP server instance
func New(opts Options) *Server {
	if opts.Health == nil {
		opts.Health = handlers.NewHealthManager(opts.Version)
	}

	r := chi.NewRouter()
	r.Use(servermw.TrustedRealIP(opts.TrustedProxies))
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		handleError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		handleError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	logger := observability.OrNop(opts.Logger)
	s := &Server{
		opts:   opts,
		router: r,
		events: handlers.NewEvents(opts.Dispatcher, opts.Responses, logger,
			handlers.WithCallerPolicy(handlers.CallerPolicy{
				Token:        opts.CallerToken,
				ReplyToHosts: opts.ReplyToHosts,
			})),
		metrics: newMetricsProxy(opts.MetricsPort, logger),
		logger:  logger,
	}

	handlers.SetHTTPErrorResponder(handleError)
	s.registerRoutes()

	return s
}

func (s *Server) httpServer() *http.Server {
	return &http.Server{
		Addr:         net.JoinHostPort(s.opts.Host, fmt.Sprint(s.opts.Port)),
		Handler:      s.router,
		ReadTimeout:  durationOr(s.opts.ReadTimeout, 30*time.Second),
		WriteTimeout: durationOr(s.opts.WriteTimeout, 30*time.Second),
		IdleTimeout:  durationOr(s.opts.IdleTimeout, 120*time.Second),
	}
}

// Start listens on the configured host and port and serves until Shutdown.
func (s *Server) Start() error {
	srv := s.httpServer()
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	return s.serve(srv, ln)
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.serve(s.httpServer(), ln)
}

func (s *Server) serve(srv *http.Server, ln net.Listener) error {
	s.mu.Lock()
	s.server = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("Starting HTTP server",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("serves_requests", s.opts.Dispatcher != nil),
		zap.Bool("accepts_responses", s.opts.Responses != nil))

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting envelopes, then waits for in-flight dispatches
// so their responses are still sent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("Shutting down HTTP server")
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
	}
	if err := s.events.Drain(ctx); err != nil {
		return fmt.Errorf("waiting for in-flight dispatches: %w", err)
	}
	return nil
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once serving has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
