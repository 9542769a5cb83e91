package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"

	"github.com/benaskins/hello-docker/internal/config"
	"github.com/benaskins/hello-docker/internal/greeting"
)

// Server serves the greeting and health endpoints over TCP.
type Server struct {
	cfg            *config.Config
	listener       net.Listener
	server         *http.Server
	handler        http.Handler
	logger         *slog.Logger
	runtimeVersion string
}

// Option customizes a Server.
type Option func(*Server)

// WithRuntimeVersion overrides the runtime version reported by the python and
// go variants.
func WithRuntimeVersion(v string) Option {
	return func(s *Server) { s.runtimeVersion = v }
}

// NewServer creates a server for the given configuration.
func NewServer(cfg *config.Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:            cfg,
		logger:         logger.With("component", "api"),
		runtimeVersion: runtime.Version(),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Only the greeting is limited. /health answers regardless of load.
	var index http.Handler = http.HandlerFunc(s.index)
	if rl := cfg.RateLimit; rl.RequestsPerSecond > 0 {
		index = rateLimit(index, rl.RequestsPerSecond, rl.Burst, s.logger)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /{$}", index)
	mux.HandleFunc("GET /health", s.health)
	s.handler = accessLog(mux, s.logger)

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Duration,
		ReadTimeout:       cfg.Server.ReadTimeout.Duration,
		WriteTimeout:      cfg.Server.WriteTimeout.Duration,
		IdleTimeout:       cfg.Server.IdleTimeout.Duration,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Listen binds the configured address. Bind failures surface here rather
// than from Serve.
func (s *Server) Listen() error {
	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr()
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.listener == nil {
		s.listener = ln
	}
	s.logger.Info("listening",
		"addr", ln.Addr().String(),
		"variant", s.cfg.Variant,
		"environment", s.cfg.Environment,
	)
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ListenAndServe binds the configured address and serves on it.
func (s *Server) ListenAndServe() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.Serve(s.listener)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	g := greeting.New(s.cfg.Variant, s.cfg.Environment, s.cfg.Version, s.runtimeVersion)
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("writing response", "error", err)
	}
}
