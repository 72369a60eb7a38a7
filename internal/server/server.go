// Package server serves the module management control API.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/limiquantix/modmgmt/internal/auth"
	"github.com/limiquantix/modmgmt/internal/config"
	"github.com/limiquantix/modmgmt/internal/lifecycle"
	"github.com/limiquantix/modmgmt/internal/modmgmt"
	"github.com/limiquantix/modmgmt/internal/server/middleware"
)

// Engine is the module management engine behind the API.
type Engine interface {
	Dispatcher
	Ready() bool
	State() lifecycle.State
	// OnReady must be called before the engine runs.
	OnReady(fn func(ready bool))
}

// Ensure the engine satisfies the server's view of it
var _ Engine = (*modmgmt.Manager)(nil)

// HealthCheck probes one backing service for /ready.
type HealthCheck func(ctx context.Context) error

// Server is the main HTTP server for the control API.
type Server struct {
	config     *config.Config
	engine     Engine
	logger     *zap.Logger
	mux        *http.ServeMux
	httpServer *http.Server
	health     *healthService
	jwt        *auth.JWTManager

	peerPath    string
	peerHandler http.Handler
	checks      map[string]HealthCheck
	closers     []func() error
}

// Option configures the server.
type Option func(*Server)

// WithPeerHandler mounts the peer channel endpoint at path.
func WithPeerHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.peerPath = path
		s.peerHandler = h
	}
}

// WithHealthCheck adds a backing service to the readiness report.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// WithCloser registers a function run after the HTTP server stops.
func WithCloser(fn func() error) Option {
	return func(s *Server) {
		s.closers = append(s.closers, fn)
	}
}

// New creates a new server instance. Call it before the engine runs so the
// health service sees every Ready transition.
func New(cfg *config.Config, engine Engine, logger *zap.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		config: cfg,
		engine: engine,
		logger: logger.With(zap.String("component", "server")),
		mux:    http.NewServeMux(),
		health: newHealthService(logger),
		checks: make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Auth.Enabled {
		jwtManager, err := auth.NewJWTManager(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("failed to create JWT manager: %w", err)
		}
		s.jwt = jwtManager
	}

	engine.OnReady(s.health.setReady)
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.setupMiddleware(s.mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// Handler returns the root HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// registerRoutes registers all HTTP routes and Connect-RPC services.
func (s *Server) registerRoutes() {
	// Health endpoints
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)

	s.mux.HandleFunc("/api/v1/info", s.infoHandler)

	// =========================================================================
	// Connect-RPC Services
	// =========================================================================

	opts := []connect.HandlerOption{connect.WithCodec(jsonCodec{})}
	if s.jwt != nil {
		opts = append(opts, connect.WithInterceptors(middleware.NewAuthInterceptor(s.jwt, s.logger)))
	}
	control := &controlService{
		dispatcher: s.engine,
		checkRoles: s.jwt != nil,
		logger:     s.logger,
	}
	s.mux.Handle(InvokeProcedure, connect.NewUnaryHandler(InvokeProcedure, control.invoke, opts...))
	s.logger.Info("Registered control service", zap.String("path", InvokeProcedure))

	if s.peerHandler != nil {
		s.mux.Handle(s.peerPath, s.peerHandler)
		s.logger.Info("Registered peer channel", zap.String("path", s.peerPath))
	}
}

// setupMiddleware configures middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400, // 24 hours
	})

	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		switch r.URL.Path {
		case "/health", "/healthz", "/ready", "/live", s.peerPath:
			return
		}
		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the peer channel upgrade to a websocket.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "modmgmtd"})
}

// readyHandler reports ready once the engine is Ready and every backing
// service answers.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	ready := s.engine.Ready()
	details := map[string]string{"engine": string(s.engine.State())}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			ready = false
			details[name] = "unhealthy"
		} else {
			details[name] = "healthy"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "components": details})
}

// liveHandler returns liveness status.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

// infoHandler returns API information.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	backends := make([]string, 0, len(s.checks))
	for name := range s.checks {
		backends = append(backends, name)
	}
	sort.Strings(backends)
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "modmgmtd",
		"api_version": "v1",
		"service":     ServiceName,
		"opcodes":     modmgmt.Opcodes,
		"auth":        s.jwt != nil,
		"peer":        s.peerHandler != nil,
		"backends":    backends,
	})
}

// Run serves HTTP and the gRPC health endpoint until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server",
		zap.String("address", s.config.Server.Address()),
		zap.Bool("auth", s.jwt != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if s.config.GRPC.Enabled {
		g.Go(func() error {
			return s.health.serve(s.config.GRPC.Address())
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutdown signal received")
		return s.Shutdown()
	})
	return g.Wait()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")
	s.health.stop()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			s.logger.Warn("Failed to close backend", zap.Error(err))
		}
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}
