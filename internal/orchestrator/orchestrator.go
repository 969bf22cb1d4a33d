// Package orchestrator is the single entry point for deployment operations.
// It serializes deploy, promote, rollback and cleanup per (project,
// environment) key; different keys run fully concurrently, bounded only by
// the connection pool underneath.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/slipway/internal/core/domain"
	"github.com/artpar/slipway/internal/core/ports"
	"github.com/artpar/slipway/internal/shell/build"
	"github.com/artpar/slipway/internal/shell/pipeline"
	"github.com/artpar/slipway/internal/shell/probe"
	"github.com/artpar/slipway/internal/shell/promotion"
	"github.com/artpar/slipway/internal/shell/remote"
	"github.com/artpar/slipway/internal/shell/store"
)

// =============================================================================
// Requests and Results
// =============================================================================

// DeployRequest describes a deploy through the facade.
type DeployRequest struct {
	Project     string
	Environment domain.Environment
	Team        string
	Actor       string
	Build       build.Spec

	SkipValidate    bool
	SkipHealthCheck bool
}

// DeployResult reports the outcome of a deploy.
type DeployResult struct {
	Run     *domain.DeploymentRun
	Slot    string
	Preview string
}

// PromoteResult reports a traffic switch.
type PromoteResult struct {
	Slots           *domain.ProjectSlots
	ActiveSlot      string
	ActiveVersion   string
	PreviousVersion string
}

// StatusReport is the full slot snapshot plus a live health probe of every
// slot with a running release. Stored health can lag; live health cannot.
type StatusReport struct {
	Slots      *domain.ProjectSlots           `json:"slots"`
	LiveHealth map[string]domain.HealthStatus `json:"live_health"`
}

// =============================================================================
// Orchestrator
// =============================================================================

// Config holds facade settings.
type Config struct {
	// PortRange is the range slot ports are allocated from.
	PortRange ports.PortRange
	// DefaultTeam is recorded on projects created implicitly by a first
	// deploy.
	DefaultTeam string
}

// Orchestrator coordinates the pipeline, the promotion controller and the
// store behind per-key locks.
type Orchestrator struct {
	store     store.Store
	pipeline  *pipeline.Pipeline
	promotion *promotion.Controller
	prober    probe.Prober
	inventory *remote.Inventory
	locks     *keyLock
	config    Config
	logger    *slog.Logger

	// provisionMu covers host picking and port allocation, which span keys:
	// two first deploys on different keys must not allocate the same ports.
	provisionMu sync.Mutex
}

// New creates the orchestrator facade.
func New(s store.Store, pipe *pipeline.Pipeline, ctrl *promotion.Controller, prober probe.Prober, inventory *remote.Inventory, config Config, logger *slog.Logger) *Orchestrator {
	if config.PortRange == (ports.PortRange{}) {
		config.PortRange = ports.DefaultPortRange()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     s,
		pipeline:  pipe,
		promotion: ctrl,
		prober:    prober,
		inventory: inventory,
		locks:     newKeyLock(),
		config:    config,
		logger:    logger.With("component", "orchestrator"),
	}
}

func key(project string, env domain.Environment) string {
	return project + "/" + string(env)
}

// Deploy runs a deploy into the eligible slot, provisioning the environment
// on first use.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	unlock := o.locks.Lock(key(req.Project, req.Environment))
	defer unlock()

	if err := o.ensureEnvironment(ctx, req.Project, req.Environment, req.Team); err != nil {
		return nil, err
	}

	result, err := o.pipeline.Deploy(ctx, pipeline.Request{
		Project:         req.Project,
		Environment:     req.Environment,
		Actor:           req.Actor,
		Build:           req.Build,
		SkipValidate:    req.SkipValidate,
		SkipHealthCheck: req.SkipHealthCheck,
	})
	if err != nil {
		return nil, err
	}
	return &DeployResult{
		Run:     result.Run,
		Slot:    result.Slot,
		Preview: result.Preview,
	}, nil
}

// Promote flips live traffic to the deployed slot.
func (o *Orchestrator) Promote(ctx context.Context, project string, env domain.Environment, actor string) (*PromoteResult, error) {
	unlock := o.locks.Lock(key(project, env))
	defer unlock()

	prev := ""
	if ps, err := o.store.GetSlots(ctx, project, env); err == nil {
		if active := ps.ActiveSlot(); active != nil {
			prev = active.ReleaseVersion
		}
	}

	ps, err := o.promotion.Promote(ctx, project, env, actor)
	if err != nil {
		return nil, err
	}
	return &PromoteResult{
		Slots:           ps,
		ActiveSlot:      ps.Active,
		ActiveVersion:   ps.ActiveSlot().ReleaseVersion,
		PreviousVersion: prev,
	}, nil
}

// Rollback restores live traffic to the grace slot.
func (o *Orchestrator) Rollback(ctx context.Context, project string, env domain.Environment, actor, reason string) (*PromoteResult, error) {
	unlock := o.locks.Lock(key(project, env))
	defer unlock()

	prev := ""
	if ps, err := o.store.GetSlots(ctx, project, env); err == nil {
		if active := ps.ActiveSlot(); active != nil {
			prev = active.ReleaseVersion
		}
	}

	o.logger.Info("rollback requested",
		"project", project,
		"environment", env,
		"actor", actor,
		"reason", reason,
	)

	ps, err := o.promotion.Rollback(ctx, project, env, actor)
	if err != nil {
		return nil, err
	}
	return &PromoteResult{
		Slots:           ps,
		ActiveSlot:      ps.Active,
		ActiveVersion:   ps.ActiveSlot().ReleaseVersion,
		PreviousVersion: prev,
	}, nil
}

// Status returns the stored slot record together with live health probes.
// It takes no lock: a read during a deploy sees whatever the last committed
// transition produced.
func (o *Orchestrator) Status(ctx context.Context, project string, env domain.Environment) (*StatusReport, error) {
	ps, err := o.store.GetSlots(ctx, project, env)
	if err != nil {
		return nil, err
	}

	live := make(map[string]domain.HealthStatus)
	for _, slot := range []*domain.Slot{&ps.Blue, &ps.Green} {
		if slot.State == domain.SlotEmpty {
			continue
		}
		status, probeErr := o.prober.Probe(ctx, ps.Host, slot.Port, "")
		if probeErr != nil {
			o.logger.Debug("live health probe failed",
				"project", project,
				"environment", env,
				"slot", slot.Name,
				"error", probeErr,
			)
		}
		live[slot.Name] = status
	}

	return &StatusReport{Slots: ps, LiveHealth: live}, nil
}

// Cleanup resets the environment's expired grace slots and tears down their
// releases. Returns the names of the slots that were reset.
func (o *Orchestrator) Cleanup(ctx context.Context, project string, env domain.Environment) ([]string, error) {
	unlock := o.locks.Lock(key(project, env))
	defer unlock()

	ps, err := o.store.GetSlots(ctx, project, env)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var cleaned []string
	for _, slot := range []*domain.Slot{&ps.Blue, &ps.Green} {
		if !slot.Expired(now) {
			continue
		}
		if err := o.promotion.Cleanup(ctx, project, env, slot.Name); err != nil {
			return cleaned, err
		}
		cleaned = append(cleaned, slot.Name)
	}
	return cleaned, nil
}

// CleanupAll sweeps every environment for expired grace slots. Used by the
// background reaper; per-key locks are taken one environment at a time.
func (o *Orchestrator) CleanupAll(ctx context.Context) ([]store.GraceRef, error) {
	refs, err := o.store.ListExpiredGrace(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	var cleaned []store.GraceRef
	for _, ref := range refs {
		if ctx.Err() != nil {
			return cleaned, ctx.Err()
		}
		func() {
			unlock := o.locks.Lock(key(ref.Project, ref.Environment))
			defer unlock()
			if err := o.promotion.Cleanup(ctx, ref.Project, ref.Environment, ref.Slot); err != nil {
				o.logger.Error("grace cleanup failed",
					"project", ref.Project,
					"environment", ref.Environment,
					"slot", ref.Slot,
					"error", err,
				)
				return
			}
			cleaned = append(cleaned, ref)
		}()
	}
	return cleaned, nil
}

// History returns the most recent deployment runs of an environment.
func (o *Orchestrator) History(ctx context.Context, project string, env domain.Environment, limit int) ([]domain.DeploymentRun, error) {
	if limit <= 0 {
		limit = 20
	}
	return o.store.ListRuns(ctx, project, env, limit)
}

// ListEnvironments returns every provisioned environment.
func (o *Orchestrator) ListEnvironments(ctx context.Context) ([]domain.ProjectSlots, error) {
	return o.store.ListEnvironments(ctx)
}

// =============================================================================
// Provisioning
// =============================================================================

// ensureEnvironment provisions a (project, environment) pair on first deploy:
// the project record, a host picked by load, and a stable port pair.
func (o *Orchestrator) ensureEnvironment(ctx context.Context, project string, env domain.Environment, team string) error {
	o.provisionMu.Lock()
	defer o.provisionMu.Unlock()

	if team == "" {
		team = o.config.DefaultTeam
	}
	if _, err := o.store.EnsureProject(ctx, project, team); err != nil {
		return err
	}

	_, err := o.store.GetSlots(ctx, project, env)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	host, err := o.pickHost(ctx)
	if err != nil {
		return err
	}
	used, err := o.store.UsedPorts(ctx)
	if err != nil {
		return err
	}
	bluePort, greenPort, err := ports.AllocatePair(used, o.config.PortRange)
	if err != nil {
		return err
	}

	ps := domain.NewProjectSlots(project, env, host, bluePort, greenPort)
	if err := o.store.CreateEnvironment(ctx, ps); err != nil {
		// A concurrent caller on another key may have provisioned the same
		// pair; the record that won is the one to use.
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return err
	}

	o.logger.Info("environment provisioned",
		"project", project,
		"environment", env,
		"host", host,
		"blue_port", bluePort,
		"green_port", greenPort,
	)
	return nil
}

// pickHost returns the inventory host with the fewest environments.
func (o *Orchestrator) pickHost(ctx context.Context) (string, error) {
	names := o.inventory.Names()
	if len(names) == 0 {
		return "", fmt.Errorf("%w: empty host inventory", remote.ErrUnknownHost)
	}
	counts, err := o.store.EnvironmentsByHost(ctx)
	if err != nil {
		return "", err
	}

	best := names[0]
	for _, name := range names[1:] {
		if counts[name] < counts[best] {
			best = name
		}
	}
	return best, nil
}
