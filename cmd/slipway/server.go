package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/slipway/internal/core/ports"
	"github.com/artpar/slipway/internal/orchestrator"
	"github.com/artpar/slipway/internal/shell/api"
	"github.com/artpar/slipway/internal/shell/build"
	"github.com/artpar/slipway/internal/shell/pipeline"
	"github.com/artpar/slipway/internal/shell/probe"
	"github.com/artpar/slipway/internal/shell/promotion"
	"github.com/artpar/slipway/internal/shell/remote"
	"github.com/artpar/slipway/internal/shell/routing"
	"github.com/artpar/slipway/internal/shell/store"
	"github.com/artpar/slipway/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitInventoryError  = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server wires the full application: store, connection pool, pipeline,
// promotion controller, orchestrator, background reaper and the HTTP API.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	pool       *remote.Pool
	reaper     *workers.GraceReaper
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	inventory, err := remote.LoadInventory(cfg.Hosts.InventoryFile)
	if err != nil {
		s.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitInventoryError,
		}
	}

	dialer := remote.NewSSHDialer(remote.SSHDialerConfig{
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		CommandTimeout: cfg.SSH.CommandTimeout,
	})
	pool := remote.NewPool(dialer, inventory, remote.PoolConfig{
		MaxPerHost:     cfg.SSH.MaxPerHost,
		AcquireTimeout: cfg.SSH.AcquireTimeout,
		IdleTimeout:    cfg.SSH.IdleTimeout,
		ReapInterval:   cfg.SSH.ReapInterval,
	}, logger)

	router := routing.NewClient(routing.ClientConfig{
		BaseURL: cfg.Routing.AdminURL,
		APIKey:  cfg.Routing.APIKey,
		Timeout: cfg.Routing.Timeout,
	}, logger)

	prober := probe.NewHTTPProber(probe.HTTPProberConfig{
		Timeout: cfg.Deploy.HealthTimeout,
	})
	builder := build.NewDockerBuilder(pool, logger)

	pipe := pipeline.NewPipeline(s, pool, builder, prober, pipeline.Config{
		HealthAttempts: cfg.Deploy.HealthAttempts,
		HealthBackoff:  cfg.Deploy.HealthBackoff,
		HealthPath:     cfg.Deploy.HealthPath,
		ContainerPort:  cfg.Deploy.ContainerPort,
	}, logger)

	ctrl := promotion.NewController(s, router, pool, promotion.Config{
		GraceWindow: cfg.Deploy.GraceWindow,
	}, logger)

	orch := orchestrator.New(s, pipe, ctrl, prober, inventory, orchestrator.Config{
		PortRange:   ports.PortRange{Start: cfg.Deploy.PortRangeStart, End: cfg.Deploy.PortRangeEnd},
		DefaultTeam: cfg.Deploy.DefaultTeam,
	}, logger)

	reaper := workers.NewGraceReaper(orch, workers.GraceReaperConfig{
		Interval: cfg.Deploy.ReapInterval,
	}, logger)

	handler := api.NewHandler(orch, api.Config{
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		pool:       pool,
		reaper:     reaper,
		logger:     logger,
	}, nil
}

// Start runs the server until a shutdown signal or fatal error.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	s.reaper.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.reaper.Stop()
	s.pool.Shutdown()

	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
