// Package server hosts the HTTP surface: health, version and the pipeline
// API.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/goingest/internal/errors"
	"github.com/3leaps/goingest/internal/server/handlers"
	"github.com/3leaps/goingest/internal/server/middleware"
)

// AdminTokenEnv enables POST /admin/signal when set.
const AdminTokenEnv = "GOINGEST_ADMIN_TOKEN"

// SignalFunc handles an admin signal such as "shutdown".
type SignalFunc func(name string) error

// Server is the HTTP server.
type Server struct {
	host    string
	port    int
	router  chi.Router
	logger  *zap.Logger
	httpSrv *http.Server

	api          *handlers.API
	health       bool
	profiler     bool
	adminToken   string
	onSignal     SignalFunc
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithAPI mounts the pipeline API under /api/v1.
func WithAPI(api *handlers.API) Option {
	return func(s *Server) { s.api = api }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHealthRoutes toggles the /health endpoints. They are on by default.
func WithHealthRoutes(enabled bool) Option {
	return func(s *Server) { s.health = enabled }
}

// WithProfiler mounts net/http/pprof under /debug.
func WithProfiler(enabled bool) Option {
	return func(s *Server) { s.profiler = enabled }
}

// WithAdmin enables POST /admin/signal guarded by token.
func WithAdmin(token string, fn SignalFunc) Option {
	return func(s *Server) {
		s.adminToken = token
		s.onSignal = fn
	}
}

// WithTimeouts sets the http.Server timeouts. Zero keeps the default.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

// New builds a server listening on host:port.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		health:       true,
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
		adminToken:   os.Getenv(AdminTokenEnv),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewNotFound("resource not found").
			WithDetails(map[string]any{"path": r.URL.Path}))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewMethodNotAllowed("method not allowed").
			WithDetails(map[string]any{"method": r.Method, "path": r.URL.Path}))
	})

	if s.health {
		r.Get("/health", handlers.HealthHandler)
		r.Get("/health/live", handlers.LivenessHandler)
		r.Get("/health/ready", handlers.ReadinessHandler)
		r.Get("/health/startup", handlers.StartupHandler)
	}
	r.Get("/version", handlers.VersionHandler)
	if s.profiler {
		r.Mount("/debug", chimw.Profiler())
	}

	if s.api != nil {
		r.Route("/api/v1", s.api.Routes)
	}
	if s.adminToken != "" {
		r.Post("/admin/signal", s.adminSignal)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Addr returns host:port.
func (s *Server) Addr() string { return net.JoinHostPort(s.host, strconv.Itoa(s.port)) }

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

type signalRequest struct {
	Signal string `json:"signal"`
}

func (s *Server) adminSignal(w http.ResponseWriter, r *http.Request) {
	got, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
		apperrors.RespondWithError(w, r, apperrors.NewUnauthorized("invalid admin token"))
		return
	}
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Signal == "" {
		apperrors.RespondWithError(w, r, apperrors.NewBadRequest("signal is required", err))
		return
	}
	if s.onSignal == nil {
		apperrors.RespondWithError(w, r, apperrors.NewServiceUnavailable("signals are not handled"))
		return
	}
	if err := s.onSignal(strings.ToLower(req.Signal)); err != nil {
		apperrors.RespondWithError(w, r, apperrors.NewBadRequest(err.Error(), err))
		return
	}
	s.logger.Info("Accepted admin signal", zap.String("signal", req.Signal))
	apperrors.WriteJSON(w, http.StatusAccepted, map[string]string{"signal": req.Signal, "status": "accepted"})
}
