// Package pipeline runs one deploy attempt into the slot eligible to receive
// it. A deploy is always dark: the pipeline never touches the active slot, and
// the result becomes live only through an explicit promote.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/slipway/internal/core/domain"
	"github.com/artpar/slipway/internal/shell/build"
	"github.com/artpar/slipway/internal/shell/probe"
	"github.com/artpar/slipway/internal/shell/remote"
	"github.com/artpar/slipway/internal/shell/store"
)

// =============================================================================
// Step Errors
// =============================================================================

// ErrStepFailed marks any pipeline step failure; errors.Is matches it on every
// StepError.
var ErrStepFailed = errors.New("deploy step failed")

// StepError reports which step failed and carries the captured command output.
type StepError struct {
	Step   string
	Output string
	Err    error
}

func (e *StepError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("step %s: %v: %s", e.Step, e.Err, e.Output)
	}
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) Is(target error) bool { return target == ErrStepFailed }

// =============================================================================
// Pipeline
// =============================================================================

// Step names in execution order.
const (
	StepValidate    = "validate"
	StepBuild       = "build"
	StepPrepare     = "prepare"
	StepLaunch      = "launch"
	StepHealthCheck = "health-check"
	StepRegister    = "register"
)

var stepOrder = []string{StepValidate, StepBuild, StepPrepare, StepLaunch, StepHealthCheck, StepRegister}

// Config holds pipeline tuning knobs.
type Config struct {
	// HealthAttempts is the health check retry budget. Default: 5.
	HealthAttempts int
	// HealthBackoff is the initial retry delay, doubled per attempt.
	// Default: 1 second.
	HealthBackoff time.Duration
	// HealthPath is the release's health endpoint. Default: /health.
	HealthPath string
	// ContainerPort is the port the release listens on inside its container.
	// Default: 8080.
	ContainerPort int
}

// Request describes one deploy attempt.
type Request struct {
	Project     string
	Environment domain.Environment
	Actor       string
	Build       build.Spec

	SkipValidate    bool
	SkipHealthCheck bool
}

// Result reports a successful deploy.
type Result struct {
	Run     *domain.DeploymentRun
	Slots   *domain.ProjectSlots
	Slot    string
	Preview string // host:port address of the dark release
}

// Pipeline executes deploys step by step, recording progress in a
// DeploymentRun and committing slot state through the store's transition path.
type Pipeline struct {
	store   store.Store
	pool    *remote.Pool
	builder build.Builder
	prober  probe.Prober
	config  Config
	logger  *slog.Logger
}

// NewPipeline creates a deployment pipeline.
func NewPipeline(s store.Store, pool *remote.Pool, builder build.Builder, prober probe.Prober, config Config, logger *slog.Logger) *Pipeline {
	if config.HealthAttempts == 0 {
		config.HealthAttempts = 5
	}
	if config.HealthBackoff == 0 {
		config.HealthBackoff = time.Second
	}
	if config.HealthPath == "" {
		config.HealthPath = "/health"
	}
	if config.ContainerPort == 0 {
		config.ContainerPort = 8080
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:   s,
		pool:    pool,
		builder: builder,
		prober:  prober,
		config:  config,
		logger:  logger.With("component", "pipeline"),
	}
}

// ContainerName returns the fixed container name of a slot's release.
func ContainerName(project string, env domain.Environment, slot string) string {
	return fmt.Sprintf("slipway-%s-%s-%s", project, env, slot)
}

// Deploy runs one deploy attempt. On failure the target slot is left out of
// active: untouched if nothing launched, marked unhealthy if a container did.
func (p *Pipeline) Deploy(ctx context.Context, req Request) (*Result, error) {
	ps, err := p.store.GetSlots(ctx, req.Project, req.Environment)
	if err != nil {
		return nil, err
	}
	target := ps.DeployTarget()
	slotName := target.Name

	run := domain.NewDeploymentRun(req.Project, req.Environment, req.Actor, stepOrder)
	run.Slot = slotName
	run.Source = req.Build.GitURL

	logger := p.logger.With(
		"project", req.Project,
		"environment", req.Environment,
		"slot", slotName,
		"run_id", run.ID,
	)

	// Claim the slot before any remote work. A concurrent deploy into the
	// same slot fails here with ErrSlotBusy; claiming a grace slot demotes
	// it to empty and forfeits its rollback target.
	ps, err = p.store.Transition(ctx, req.Project, req.Environment, slotName, target.State,
		func(ps *domain.ProjectSlots) error {
			return ps.ClaimForDeploy(slotName, run.ID)
		})
	if err != nil {
		return nil, err
	}
	claimedState := ps.Slot(slotName).State

	logger.Info("deploy started", "actor", req.Actor, "image", req.Build.ImageRef, "git_url", req.Build.GitURL)

	result, deployErr := p.runSteps(ctx, req, ps, run, logger)
	run.Finish(deployErr)

	if deployErr != nil {
		p.releaseClaim(req, slotName, claimedState, run, logger)
	}

	// The run record is history, never state; losing it does not fail the
	// deploy.
	if storeErr := p.store.CreateRun(context.WithoutCancel(ctx), run); storeErr != nil {
		logger.Error("failed to persist deployment run", "error", storeErr)
	}

	if deployErr != nil {
		logger.Warn("deploy failed", "step", run.FailedStep(), "error", deployErr)
		return nil, deployErr
	}
	logger.Info("deploy succeeded", "preview", result.Preview)
	return result, nil
}

// runSteps executes the ordered steps. The bool on each step result is whether
// a container was launched, which decides the failure-path health mark.
func (p *Pipeline) runSteps(ctx context.Context, req Request, ps *domain.ProjectSlots, run *domain.DeploymentRun, logger *slog.Logger) (*Result, error) {
	slotName := run.Slot
	slot := ps.Slot(slotName)
	host := ps.Host
	containerName := ContainerName(req.Project, req.Environment, slotName)

	// --- validate ---
	if req.SkipValidate {
		run.SkipStep(StepValidate)
	} else {
		run.StartStep(StepValidate)
		if err := req.Build.Validate(); err != nil {
			run.FinishStep(StepValidate, domain.StepFailed, "", err)
			return nil, &StepError{Step: StepValidate, Err: err}
		}
		run.FinishStep(StepValidate, domain.StepSuccess, "", nil)
	}

	// --- build ---
	run.StartStep(StepBuild)
	imageRef, err := p.builder.Build(ctx, host, req.Build)
	if err != nil {
		run.FinishStep(StepBuild, domain.StepFailed, "", err)
		return nil, &StepError{Step: StepBuild, Err: err}
	}
	run.ImageRef = imageRef
	run.FinishStep(StepBuild, domain.StepSuccess, imageRef, nil)

	// --- prepare: clear whatever ran in this slot before ---
	run.StartStep(StepPrepare)
	out, err := p.pool.Exec(ctx, host, "docker", "rm", "-f", containerName)
	if err != nil && !strings.Contains(out, "No such container") {
		run.FinishStep(StepPrepare, domain.StepFailed, out, err)
		return nil, &StepError{Step: StepPrepare, Output: out, Err: err}
	}
	run.FinishStep(StepPrepare, domain.StepSuccess, out, nil)

	// --- launch ---
	run.StartStep(StepLaunch)
	out, err = p.pool.Exec(ctx, host,
		"docker", "run", "-d",
		"--name", containerName,
		"--restart", "unless-stopped",
		"-p", fmt.Sprintf("%d:%d", slot.Port, p.config.ContainerPort),
		"-e", "PORT="+strconv.Itoa(p.config.ContainerPort),
		imageRef,
	)
	if err != nil {
		run.FinishStep(StepLaunch, domain.StepFailed, out, err)
		return nil, &StepError{Step: StepLaunch, Output: out, Err: err}
	}
	run.FinishStep(StepLaunch, domain.StepSuccess, out, nil)

	// --- health-check ---
	health := domain.HealthUnknown
	if req.SkipHealthCheck {
		run.SkipStep(StepHealthCheck)
	} else {
		run.StartStep(StepHealthCheck)
		var probeErr error
		health, probeErr = p.waitHealthy(ctx, host, slot.Port, logger)
		if probeErr != nil {
			run.FinishStep(StepHealthCheck, domain.StepFailed, "", probeErr)
			return nil, &StepError{Step: StepHealthCheck, Err: probeErr}
		}
		run.FinishStep(StepHealthCheck, domain.StepSuccess, "", nil)
	}

	// --- register: the only state write of a successful deploy ---
	run.StartStep(StepRegister)
	version := req.Build.Version
	if version == "" {
		version = imageRef
	}
	ps, err = p.store.Transition(ctx, req.Project, req.Environment, slotName, slot.State,
		func(ps *domain.ProjectSlots) error {
			return ps.CompleteDeploy(slotName, imageRef, version, req.Actor, health, time.Now().UTC())
		})
	if err != nil {
		run.FinishStep(StepRegister, domain.StepFailed, "", err)
		return nil, &StepError{Step: StepRegister, Err: err}
	}
	run.FinishStep(StepRegister, domain.StepSuccess, "", nil)

	return &Result{
		Run:     run,
		Slots:   ps,
		Slot:    slotName,
		Preview: fmt.Sprintf("%s:%d", host, slot.Port),
	}, nil
}

// waitHealthy polls the slot's health endpoint with exponential backoff until
// healthy or the attempt budget is spent.
func (p *Pipeline) waitHealthy(ctx context.Context, host string, port int, logger *slog.Logger) (domain.HealthStatus, error) {
	backoff := p.config.HealthBackoff
	var lastErr error
	for attempt := 1; attempt <= p.config.HealthAttempts; attempt++ {
		status, err := p.prober.Probe(ctx, host, port, p.config.HealthPath)
		if err == nil && status == domain.HealthHealthy {
			return domain.HealthHealthy, nil
		}
		lastErr = err
		logger.Debug("health check attempt failed",
			"attempt", attempt,
			"max_attempts", p.config.HealthAttempts,
			"error", err,
		)
		if attempt == p.config.HealthAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return domain.HealthUnknown, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return domain.HealthUnhealthy, fmt.Errorf("not healthy after %d attempts: %w", p.config.HealthAttempts, lastErr)
}

// releaseClaim clears the deploy claim after a failure. A slot that launched a
// container is marked unhealthy so it cannot be promoted; one that never got
// that far keeps its prior health.
func (p *Pipeline) releaseClaim(req Request, slotName string, claimedState domain.SlotState, run *domain.DeploymentRun, logger *slog.Logger) {
	health := domain.HealthStatus("")
	for _, s := range run.Steps {
		if s.Name == StepLaunch && s.Status == domain.StepSuccess {
			health = domain.HealthUnhealthy
		}
	}
	// The claim must be released even when the deploy was cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := p.store.Transition(ctx, req.Project, req.Environment, slotName, claimedState,
		func(ps *domain.ProjectSlots) error {
			ps.ReleaseClaim(slotName, health)
			return nil
		})
	if err != nil {
		logger.Error("failed to release deploy claim", "error", err)
	}
}
