// Package server exposes the session engine over HTTP: CRUD and streaming
// endpoints for projects, sessions, messages and permissions, plus a single
// Server-Sent Events feed of everything the event bus publishes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opencode-core/engine/internal/permission"
	"github.com/opencode-core/engine/internal/session"
)

// Config holds server configuration.
type Config struct {
	Port         int
	Directory    string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout: /event streams indefinitely
	}
}

// Server is the HTTP server fronting a single engine instance.
type Server struct {
	config         *Config
	router         *chi.Mux
	httpSrv        *http.Server
	sessionService *session.Service
	permChecker    *permission.Checker

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates a Server wired to svc. permChecker is optional (nil disables
// the permission-response endpoint's ability to resolve a pending ask);
// it is the same *permission.Checker passed to session.NewServiceWithProcessor
// so that a permission reply here resolves the Evaluate call blocked on it.
func New(cfg *Config, svc *session.Service, permChecker *permission.Checker) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		config:         cfg,
		router:         chi.NewRouter(),
		sessionService: svc,
		permChecker:    permChecker,
		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_http_requests_total",
			Help: "Total HTTP requests handled, by route and status class.",
		}, []string{"route", "method", "status"}),
		requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.metricsMiddleware)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	s.router.Use(s.instanceContext)
}

// metricsMiddleware records a request counter and latency histogram per
// matched chi route pattern (not the raw path, to keep cardinality bounded
// across parameterised routes like /session/{sessionID}).
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		s.requestsTotal.WithLabelValues(route, r.Method, fmt.Sprintf("%dxx", ww.Status()/100)).Inc()
	})
}

// instanceContext injects the request's target working directory (the
// engine instance may serve a single fixed directory, or a caller may
// override it per request via ?directory=).
func (s *Server) instanceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dir := r.URL.Query().Get("directory")
		if dir == "" {
			dir = s.config.Directory
		}
		ctx := context.WithValue(r.Context(), contextKeyDirectory, dir)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start starts the HTTP server. It blocks until Shutdown is called or the
// listener fails.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Metrics returns a handler serving Prometheus metrics in text format.
func (s *Server) Metrics() http.Handler {
	return promhttp.Handler()
}

type contextKey string

const contextKeyDirectory contextKey = "directory"

func getDirectory(ctx context.Context) string {
	if dir, ok := ctx.Value(contextKeyDirectory).(string); ok {
		return dir
	}
	return ""
}
