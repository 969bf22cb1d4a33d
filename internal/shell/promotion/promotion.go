// Package promotion swaps which slot receives live traffic and reverts that
// swap. The routing change is the commit point: slot state is written only
// after the proxy accepted the new target, so a routing failure leaves state
// untouched and retryable.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/slipway/internal/core/domain"
	"github.com/artpar/slipway/internal/shell/pipeline"
	"github.com/artpar/slipway/internal/shell/remote"
	"github.com/artpar/slipway/internal/shell/routing"
	"github.com/artpar/slipway/internal/shell/store"
)

// ErrPromotionFailed reports that the routing collaborator rejected the
// traffic switch. Slot state is unchanged and the call is safe to retry.
var ErrPromotionFailed = errors.New("promotion failed")

// =============================================================================
// Controller
// =============================================================================

// Config holds promotion tuning knobs.
type Config struct {
	// GraceWindow is how long a demoted slot stays eligible for rollback.
	// Default: 48 hours.
	GraceWindow time.Duration
}

// Controller performs promote, rollback and grace-slot cleanup.
type Controller struct {
	store  store.Store
	router routing.Router
	pool   *remote.Pool
	config Config
	logger *slog.Logger
}

// NewController creates a promotion controller.
func NewController(s store.Store, router routing.Router, pool *remote.Pool, config Config, logger *slog.Logger) *Controller {
	if config.GraceWindow == 0 {
		config.GraceWindow = 48 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:  s,
		router: router,
		pool:   pool,
		config: config,
		logger: logger.With("component", "promotion"),
	}
}

// Promote flips live traffic to the deployed slot and demotes the previous
// active slot to grace.
func (c *Controller) Promote(ctx context.Context, project string, env domain.Environment, actor string) (*domain.ProjectSlots, error) {
	ps, err := c.store.GetSlots(ctx, project, env)
	if err != nil {
		return nil, err
	}
	target, err := ps.PromoteCandidate()
	if err != nil {
		return nil, err
	}

	// Commit point. A failure here leaves both routing and state as they
	// were.
	if err := c.router.SetActive(ctx, project, string(env), ps.Host, target.Port); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPromotionFailed, err)
	}

	ps, err = c.store.Transition(ctx, project, env, target.Name, domain.SlotDeployed,
		func(ps *domain.ProjectSlots) error {
			return ps.Promote(actor, c.config.GraceWindow, time.Now().UTC())
		})
	if err != nil {
		// Routing already moved; the store write is the recoverable half.
		// A status reconciliation can repair this, so surface it loudly.
		c.logger.Error("routing switched but state write failed",
			"project", project,
			"environment", env,
			"slot", target.Name,
			"error", err,
		)
		return nil, err
	}

	c.logger.Info("promoted",
		"project", project,
		"environment", env,
		"slot", target.Name,
		"version", target.ReleaseVersion,
		"actor", actor,
	)
	return ps, nil
}

// Rollback restores live traffic to the grace slot. Symmetric with Promote:
// the demoted slot gets a fresh grace window.
func (c *Controller) Rollback(ctx context.Context, project string, env domain.Environment, actor string) (*domain.ProjectSlots, error) {
	ps, err := c.store.GetSlots(ctx, project, env)
	if err != nil {
		return nil, err
	}
	target, err := ps.RollbackCandidate(time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if err := c.router.SetActive(ctx, project, string(env), ps.Host, target.Port); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPromotionFailed, err)
	}

	ps, err = c.store.Transition(ctx, project, env, target.Name, domain.SlotGrace,
		func(ps *domain.ProjectSlots) error {
			return ps.Rollback(actor, c.config.GraceWindow, time.Now().UTC())
		})
	if err != nil {
		c.logger.Error("routing switched but state write failed",
			"project", project,
			"environment", env,
			"slot", target.Name,
			"error", err,
		)
		return nil, err
	}

	c.logger.Info("rolled back",
		"project", project,
		"environment", env,
		"slot", target.Name,
		"version", target.ReleaseVersion,
		"actor", actor,
	)
	return ps, nil
}

// Cleanup tears down an expired grace slot: the container is removed on the
// host, then the slot reverts to empty. A slot that is no longer an expired
// grace slot is left alone, so repeated calls are safe.
func (c *Controller) Cleanup(ctx context.Context, project string, env domain.Environment, slotName string) error {
	ps, err := c.store.GetSlots(ctx, project, env)
	if err != nil {
		return err
	}
	slot := ps.Slot(slotName)
	if slot == nil || !slot.Expired(time.Now().UTC()) {
		return nil
	}

	containerName := pipeline.ContainerName(project, env, slotName)
	if out, err := c.pool.Exec(ctx, ps.Host, "docker", "rm", "-f", containerName); err != nil {
		c.logger.Warn("grace slot teardown command failed",
			"project", project,
			"environment", env,
			"slot", slotName,
			"output", out,
			"error", err,
		)
		// State cleanup still proceeds; a stray stopped container is
		// reclaimed by the next deploy's prepare step.
	}

	_, err = c.store.Transition(ctx, project, env, slotName, domain.SlotGrace,
		func(ps *domain.ProjectSlots) error {
			ps.Expire(slotName, time.Now().UTC())
			return nil
		})
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			// Someone else moved the slot first; nothing left to do.
			return nil
		}
		return err
	}

	c.logger.Info("expired grace slot cleaned up",
		"project", project,
		"environment", env,
		"slot", slotName,
	)
	return nil
}
