package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PingFunc probes one dependency (Postgres, Redis, ...) for the deep
// readiness check. It should return promptly; __heartbeat__ has no
// independent timeout of its own.
type PingFunc func(ctx context.Context) error

// ServerConfig carries the handful of HTTP-layer settings that differ
// between the tokenserver and storage binaries.
type ServerConfig struct {
	// CORSAllowedOrigins, when non-empty, enables CORS with these origins.
	// The storage mode passes CORS_ALLOWED_ORIGINS (default "*"); the
	// tokenserver mode passes none, so it carries no CORS middleware.
	CORSAllowedOrigins []string
}

// Server is a generic, mode-agnostic HTTP server shell: request
// middleware, Mozilla-services health endpoints, and Prometheus metrics.
// Both cmd/syncstorage run modes build one of these and mount their own
// domain routes on Router.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	pings     map[string]PingFunc
	startedAt time.Time
}

// NewServer creates a Server with the standard middleware stack and
// unauthenticated health/metrics endpoints already mounted. pings names
// each dependency __heartbeat__ should probe; a nil or empty map makes
// __heartbeat__ equivalent to __lbheartbeat__.
func NewServer(cfg ServerConfig, logger *slog.Logger, metricsReg *prometheus.Registry, pings map[string]PingFunc) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		pings:     pings,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		s.Router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{
				"Accept", "Authorization", "Content-Type", "X-Request-ID",
				"X-If-Modified-Since", "X-If-Unmodified-Since",
			},
			ExposedHeaders: []string{
				"X-Request-ID", "X-Weave-Timestamp", "X-Last-Modified",
				"X-Weave-Records", "X-Weave-Next-Offset", "X-Weave-Quota-Remaining",
			},
			MaxAge: 300,
		}))
	}

	// __lbheartbeat__ and __heartbeat__ are the Mozilla-services convention
	// for load-balancer liveness vs. deep readiness: the former never
	// touches a backend, the latter pings every dependency this process
	// actually needs to serve traffic.
	s.Router.Get("/__lbheartbeat__", s.handleLBHeartbeat)
	s.Router.Get("/__heartbeat__", s.handleHeartbeat)

	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleLBHeartbeat(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := "ok"
	checks := make(map[string]string, len(s.pings))
	for name, ping := range s.pings {
		if err := ping(ctx); err != nil {
			s.Logger.Error("heartbeat check failed", "check", name, "error", err)
			checks[name] = "error"
			status = "error"
			continue
		}
		checks[name] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	Respond(w, code, map[string]any{
		"status":   status,
		"checks":   checks,
		"uptime_s": int64(time.Since(s.startedAt).Seconds()),
	})
}
