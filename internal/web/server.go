// Package web provides the HTTP server for edgeguard.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/inercia/edgeguard/internal/guard"
	"github.com/inercia/edgeguard/internal/logging"
	"github.com/inercia/edgeguard/internal/metrics"
	"github.com/inercia/edgeguard/internal/ratelimit"
)

// Route paths served by the guard.
const (
	LoginPath   = "/login/"
	AdminPath   = "/admin/"
	HealthzPath = "/healthz"
)

// Config holds the collaborators and settings of a Server.
type Config struct {
	// Guard runs the request pipeline in front of every guarded route.
	Guard *guard.Guard
	// Policies are evaluated on the login endpoint. Nil disables rate limiting.
	Policies *ratelimit.PolicySet
	// Metrics is served at MetricsPath when non-nil.
	Metrics     *metrics.Metrics
	MetricsPath string
	// AccessLog records security events. Nil disables it.
	AccessLog *AccessLogger

	ReadHeaderTimeout time.Duration
	Logger            *slog.Logger
}

// Server is the guarded HTTP front.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *slog.Logger
	accessLog  *AccessLogger

	mu       sync.Mutex
	shutdown bool
}

// NewServer builds the router and wraps it with the access log.
//
// Health and metrics endpoints bypass the guard so probes are neither
// recorded nor blocked. Everything else goes through Guard.Middleware.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Guard == nil {
		return nil, errors.New("web: guard is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Web()
	}
	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}

	s := &Server{
		logger:    logger,
		accessLog: cfg.AccessLog,
	}

	r := mux.NewRouter()
	r.HandleFunc(HealthzPath, s.handleHealthz).Methods(http.MethodGet, http.MethodHead)
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, cfg.Metrics.Handler()).Methods(http.MethodGet)
	}

	guarded := r.NewRoute().Subrouter()
	guarded.Use(cfg.Guard.Middleware)

	login := guard.LoginHandler()
	if cfg.Policies != nil {
		login = cfg.Guard.LimitMiddleware(cfg.Policies)(login)
	}
	guarded.Handle(LoginPath, login)
	guarded.PathPrefix(AdminPath).Handler(guard.LoginHandler())
	guarded.PathPrefix("/").HandlerFunc(http.NotFound)

	s.router = r

	var handler http.Handler = r
	handler = requestSizeLimitMiddleware(DefaultMaxBodyBytes)(handler)
	handler = securityHeadersMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = cfg.AccessLog.Middleware(handler)

	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Info("web_server_initialized", "metrics", cfg.Metrics != nil, "rate_limited", cfg.Policies != nil)
	return s, nil
}

// Serve accepts connections on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	err := s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the HTTP handler for the server.
// This is useful for testing with httptest.Server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	if cerr := s.accessLog.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// IsShutdown returns whether the server has been shut down.
func (s *Server) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if s.IsShutdown() {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// loggingMiddleware logs HTTP requests at debug level.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
		next.ServeHTTP(w, r)
	})
}
