// Package workers contains background workers for Slipway.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/slipway/internal/shell/store"
)

// Sweeper sweeps expired grace slots. Implemented by the orchestrator; the
// interface keeps the worker testable without the full stack.
type Sweeper interface {
	CleanupAll(ctx context.Context) ([]store.GraceRef, error)
}

// GraceReaperConfig configures the grace reaper worker.
type GraceReaperConfig struct {
	// Interval is the time between sweeps. Default: 10 minutes.
	Interval time.Duration

	// SweepTimeout bounds one full sweep. Default: 5 minutes.
	SweepTimeout time.Duration
}

// DefaultGraceReaperConfig returns the default configuration.
func DefaultGraceReaperConfig() GraceReaperConfig {
	return GraceReaperConfig{
		Interval:     10 * time.Minute,
		SweepTimeout: 5 * time.Minute,
	}
}

// GraceReaper periodically resets grace slots whose rollback window has
// passed, tearing down the release they still hold. Expiry is lazy by design:
// nothing happens the moment a window lapses, only on the next sweep.
type GraceReaper struct {
	sweeper Sweeper
	config  GraceReaperConfig
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGraceReaper creates a grace reaper worker.
func NewGraceReaper(sweeper Sweeper, config GraceReaperConfig, logger *slog.Logger) *GraceReaper {
	if config.Interval == 0 {
		config.Interval = 10 * time.Minute
	}
	if config.SweepTimeout == 0 {
		config.SweepTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GraceReaper{
		sweeper: sweeper,
		config:  config,
		logger:  logger.With("component", "grace_reaper"),
	}
}

// Start begins the reaper background goroutine.
func (g *GraceReaper) Start() {
	g.ctx, g.cancel = context.WithCancel(context.Background())

	g.wg.Add(1)
	go g.run()

	g.logger.Info("grace reaper started", "interval", g.config.Interval)
}

// Stop gracefully stops the reaper, waiting for an in-progress sweep.
func (g *GraceReaper) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	g.logger.Info("grace reaper stopped")
}

func (g *GraceReaper) run() {
	defer g.wg.Done()

	// Sweep immediately on start.
	g.sweep()

	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

// SweepNow runs a single sweep outside the schedule. Used by operator
// tooling after changing the grace window.
func (g *GraceReaper) SweepNow(ctx context.Context) ([]store.GraceRef, error) {
	return g.sweeper.CleanupAll(ctx)
}

func (g *GraceReaper) sweep() {
	ctx, cancel := context.WithTimeout(g.ctx, g.config.SweepTimeout)
	defer cancel()

	cleaned, err := g.sweeper.CleanupAll(ctx)
	if err != nil {
		g.logger.Error("grace sweep failed", "error", err)
		return
	}
	if len(cleaned) > 0 {
		g.logger.Info("grace sweep reset slots", "count", len(cleaned))
	}
}
