// Package http provides the HTTP server for the fragment caches.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jmylchreest/fragcache/internal/http/handlers"
	"github.com/jmylchreest/fragcache/internal/http/middleware"
	"github.com/jmylchreest/fragcache/internal/version"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Host is the address to bind to (default: "0.0.0.0").
	Host string
	// Port is the port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the entire request.
	// Streaming handlers clear it for their own connection.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration before timing out writes of the response.
	// Streaming handlers clear it for their own connection.
	WriteTimeout time.Duration
	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration
	// ShutdownTimeout is the maximum duration to wait for active connections to close.
	ShutdownTimeout time.Duration
	// CORSOrigins lists the allowed origins; empty allows all.
	CORSOrigins []string
	// QuietAccessLog logs successful requests at debug level.
	QuietAccessLog bool
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		CORSOrigins:     []string{"*"},
	}
}

// Server represents the HTTP server.
type Server struct {
	config     ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger

	// stopStreams ends long-lived handlers so Shutdown does not wait on them
	stopStreams context.CancelFunc
}

// NewServer creates a new HTTP server with the given configuration.
func NewServer(config ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "http"))

	router := chi.NewRouter()

	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.NewLoggingMiddleware(logger, config.QuietAccessLog))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(config.CORSOrigins))
	router.Use(middleware.NoCache(handlers.RoutePrefix, version.PoweredBy()))
	router.Use(middleware.SkipCompressionForStreams(middleware.Compress(5)))

	humaConfig := huma.DefaultConfig("fragcache API", version.Version)
	humaConfig.Info.Description = "Live fragmented MP4 cache serving HLS, progressive MP4 and websocket clients"

	api := humachi.New(router, humaConfig)

	baseCtx, stopStreams := context.WithCancel(context.Background())

	return &Server{
		config:      config,
		router:      router,
		api:         api,
		logger:      logger,
		stopStreams: stopStreams,
		httpServer: &http.Server{
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
			Handler:           router,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
	}
}

// API returns the Huma API instance for registering operations.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the Chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Address returns host:port.
func (s *Server) Address() string {
	return net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server",
		slog.String("address", ln.Addr().String()),
	)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}

	return nil
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Address())
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return s.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server",
		slog.Duration("timeout", s.config.ShutdownTimeout),
	)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.stopStreams()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// ListenAndServe starts the server and handles graceful shutdown.
// It blocks until the server is shut down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Address())
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		err := s.Shutdown(context.Background())
		if serveErr := <-errChan; serveErr != nil && err == nil {
			err = serveErr
		}
		return err
	case err := <-errChan:
		return err
	}
}
