// Package server runs the bookdrop HTTP API alongside the download manager.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/bookdrop/internal/api"
	"github.com/jackzampolin/bookdrop/internal/bypass"
	"github.com/jackzampolin/bookdrop/internal/config"
	"github.com/jackzampolin/bookdrop/internal/home"
	"github.com/jackzampolin/bookdrop/internal/jobs"
	"github.com/jackzampolin/bookdrop/internal/server/endpoints"
	"github.com/jackzampolin/bookdrop/internal/source"
	"github.com/jackzampolin/bookdrop/internal/status"
	"github.com/jackzampolin/bookdrop/internal/store"
	"github.com/jackzampolin/bookdrop/internal/svcctx"
)

// Server is the bookdrop HTTP server. It runs the download manager for as
// long as it serves, and optionally the FlareSolverr container.
type Server struct {
	httpServer    *http.Server
	manager       *jobs.Manager
	bypassManager *bypass.DockerManager
	logger        *slog.Logger

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8084)
	Port string

	Manager  *jobs.Manager
	Store    *store.Store
	Reporter *status.Reporter
	Source   source.Source

	// Bypass is the proxy client, nil when bypass is disabled.
	Bypass *bypass.Client
	// BypassManager, when set, starts the proxy container with the server
	// and stops it on shutdown.
	BypassManager *bypass.DockerManager

	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	Home          *home.Dir
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("download manager is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8084"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = status.NewReporter(cfg.Store, cfg.Manager)
	}

	// Live policy changes from the config file.
	if cfg.ConfigManager != nil {
		cfg.ConfigManager.OnChange(func(c *config.Config) {
			cfg.Manager.SetPolicy(c.Policy())
		})
	}

	s := &Server{
		manager:       cfg.Manager,
		bypassManager: cfg.BypassManager,
		logger:        cfg.Logger,
		services: &svcctx.Services{
			Manager:       cfg.Manager,
			Store:         cfg.Store,
			Reporter:      cfg.Reporter,
			Source:        cfg.Source,
			ConfigManager: cfg.ConfigManager,
			Bypass:        cfg.Bypass,
			Logger:        cfg.Logger,
			Home:          cfg.Home,
		},
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{BypassManager: cfg.BypassManager}) {
		s.endpointRegistry.Register(ep)
	}

	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:     s.withServices(mux),
		ReadTimeout: 30 * time.Second,
		// No write timeout: local downloads stream whole books.
		IdleTimeout: 120 * time.Second,
	}

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the bypass container (if managed), the download manager and the
// HTTP server. It blocks until ctx is cancelled or one of them fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()
	defer s.setNotRunning()

	if s.bypassManager != nil {
		if err := s.startBypass(ctx); err != nil {
			return err
		}
		defer s.stopBypass()
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.manager.Run(gctx)
	})

	g.Go(func() error {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	s.logger.Info("server stopped")
	return err
}

func (s *Server) startBypass(ctx context.Context) error {
	if err := s.bypassManager.ValidateExisting(ctx); err != nil {
		return fmt.Errorf("existing FlareSolverr container incompatible: %w", err)
	}
	s.logger.Info("starting FlareSolverr", "container", s.bypassManager.ContainerName())
	if err := s.bypassManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start FlareSolverr: %w", err)
	}
	s.logger.Info("FlareSolverr is ready", "url", s.bypassManager.URL())
	return nil
}

func (s *Server) stopBypass() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.Info("stopping FlareSolverr")
	if err := s.bypassManager.Stop(ctx); err != nil {
		s.logger.Error("FlareSolverr stop error", "error", err)
	}
	if err := s.bypassManager.Close(); err != nil {
		s.logger.Error("FlareSolverr manager close error", "error", err)
	}
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Manager returns the download manager.
func (s *Server) Manager() *jobs.Manager {
	return s.manager
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Endpoints returns the endpoint registry, used to build the api commands.
func (s *Server) Endpoints() *api.Registry {
	return s.endpointRegistry
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := svcctx.WithServices(r.Context(), s.services)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that returns 503 until the download manager is
// running.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.manager.Running() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
