package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/artpar/slipway/internal/core/domain"
	"github.com/artpar/slipway/internal/shell/build"
	"github.com/artpar/slipway/internal/shell/pipeline"
	"github.com/artpar/slipway/internal/shell/promotion"
	"github.com/artpar/slipway/internal/shell/remote"
	"github.com/artpar/slipway/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeChannel struct{}

func (c *fakeChannel) Run(ctx context.Context, cmd string) (string, error) { return "", nil }
func (c *fakeChannel) Ping() error                                         { return nil }
func (c *fakeChannel) Close() error                                        { return nil }

type fakeDialer struct{}

func (d *fakeDialer) Dial(ctx context.Context, host remote.Host) (remote.Channel, error) {
	return &fakeChannel{}, nil
}

type fakeBuilder struct{}

func (b *fakeBuilder) Build(ctx context.Context, host string, spec build.Spec) (string, error) {
	return spec.ImageRef, nil
}

// fakeProber reports every probed port healthy.
type fakeProber struct {
	mu     sync.Mutex
	probed []int
}

func (p *fakeProber) Probe(ctx context.Context, host string, port int, path string) (domain.HealthStatus, error) {
	p.mu.Lock()
	p.probed = append(p.probed, port)
	p.mu.Unlock()
	return domain.HealthHealthy, nil
}

type fakeRouter struct {
	mu         sync.Mutex
	activePort int
}

func (r *fakeRouter) SetActive(ctx context.Context, project, environment, host string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activePort = port
	return nil
}

func (r *fakeRouter) port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activePort
}

// =============================================================================
// Setup
// =============================================================================

type testEnv struct {
	store  *store.SQLiteStore
	router *fakeRouter
	prober *fakeProber
	orch   *Orchestrator
}

func setupOrchestrator(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	inv, err := remote.ParseInventory([]byte(
		"hosts:\n  - name: node-1\n    addr: 10.0.0.1\n  - name: node-2\n    addr: 10.0.0.2\n"))
	require.NoError(t, err)
	pool := remote.NewPool(&fakeDialer{}, inv, remote.PoolConfig{}, nil)
	t.Cleanup(pool.Shutdown)

	prober := &fakeProber{}
	router := &fakeRouter{}
	pipe := pipeline.NewPipeline(s, pool, &fakeBuilder{}, prober, pipeline.Config{HealthBackoff: time.Millisecond}, nil)
	ctrl := promotion.NewController(s, router, pool, promotion.Config{GraceWindow: time.Hour}, nil)
	orch := New(s, pipe, ctrl, prober, inv, Config{DefaultTeam: "platform"}, nil)
	return &testEnv{store: s, router: router, prober: prober, orch: orch}
}

func deployReq(version string) DeployRequest {
	return DeployRequest{
		Project:     "demo",
		Environment: domain.EnvProduction,
		Actor:       "ci",
		Build:       build.Spec{Project: "demo", Version: version, ImageRef: "demo:" + version},
	}
}

// =============================================================================
// Provisioning
// =============================================================================

func TestDeploy_ProvisionsEnvironmentOnFirstUse(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	result, err := env.orch.Deploy(ctx, deployReq("v1"))
	require.NoError(t, err)
	assert.Equal(t, domain.SlotBlue, result.Slot)

	project, err := env.store.GetProject(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "platform", project.Team)

	ps, err := env.store.GetSlots(ctx, "demo", domain.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, 20000, ps.Blue.Port)
	assert.Equal(t, 20001, ps.Green.Port)
	assert.NotEqual(t, ps.Blue.Port, ps.Green.Port)
}

func TestDeploy_PicksLeastLoadedHost(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	_, err := env.orch.Deploy(ctx, deployReq("v1"))
	require.NoError(t, err)
	first, err := env.store.GetSlots(ctx, "demo", domain.EnvProduction)
	require.NoError(t, err)

	req := deployReq("v1")
	req.Project = "other"
	req.Build.Project = "other"
	_, err = env.orch.Deploy(ctx, req)
	require.NoError(t, err)
	second, err := env.store.GetSlots(ctx, "other", domain.EnvProduction)
	require.NoError(t, err)

	assert.NotEqual(t, first.Host, second.Host)
}

// =============================================================================
// Full Lifecycle
// =============================================================================

func TestLifecycle_DeployPromoteDeployPromoteRollbackCleanup(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	// Deploy v1 dark into blue.
	result, err := env.orch.Deploy(ctx, deployReq("v1"))
	require.NoError(t, err)
	assert.Equal(t, domain.SlotBlue, result.Slot)
	assert.Equal(t, 0, env.router.port(), "dark deploy must not touch routing")

	// Promote: blue active, nothing in grace yet.
	promoted, err := env.orch.Promote(ctx, "demo", domain.EnvProduction, "op")
	require.NoError(t, err)
	assert.Equal(t, domain.SlotBlue, promoted.ActiveSlot)
	assert.Equal(t, "v1", promoted.ActiveVersion)
	assert.Empty(t, promoted.PreviousVersion)
	assert.Equal(t, 20000, env.router.port())

	// Deploy v2 dark into green while v1 serves traffic.
	result, err = env.orch.Deploy(ctx, deployReq("v2"))
	require.NoError(t, err)
	assert.Equal(t, domain.SlotGreen, result.Slot)
	assert.Equal(t, 20000, env.router.port())

	// Promote v2: green active, blue in grace.
	promoted, err = env.orch.Promote(ctx, "demo", domain.EnvProduction, "op")
	require.NoError(t, err)
	assert.Equal(t, domain.SlotGreen, promoted.ActiveSlot)
	assert.Equal(t, "v2", promoted.ActiveVersion)
	assert.Equal(t, "v1", promoted.PreviousVersion)
	assert.Equal(t, 20001, env.router.port())

	// Rollback: traffic back on v1, green gets a fresh grace window.
	rolled, err := env.orch.Rollback(ctx, "demo", domain.EnvProduction, "op", "v2 error rate")
	require.NoError(t, err)
	assert.Equal(t, domain.SlotBlue, rolled.ActiveSlot)
	assert.Equal(t, "v1", rolled.ActiveVersion)
	assert.Equal(t, 20000, env.router.port())

	// Expire green's grace window, then cleanup resets it.
	_, err = env.store.Transition(ctx, "demo", domain.EnvProduction,
		domain.SlotGreen, domain.SlotGrace, func(ps *domain.ProjectSlots) error {
			expired := time.Now().UTC().Add(-time.Minute)
			ps.Green.GraceExpiresAt = &expired
			return nil
		})
	require.NoError(t, err)

	cleaned, err := env.orch.Cleanup(ctx, "demo", domain.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.SlotGreen}, cleaned)

	ps, err := env.store.GetSlots(ctx, "demo", domain.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, domain.SlotEmpty, ps.Green.State)
	assert.Equal(t, domain.SlotActive, ps.Blue.State)
}

// =============================================================================
// Status and History
// =============================================================================

func TestStatus_ProbesLiveHealth(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	_, err := env.orch.Deploy(ctx, deployReq("v1"))
	require.NoError(t, err)

	report, err := env.orch.Status(ctx, "demo", domain.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, domain.SlotDeployed, report.Slots.Blue.State)
	assert.Equal(t, domain.HealthHealthy, report.LiveHealth[domain.SlotBlue])
	// Empty slots are not probed.
	_, probed := report.LiveHealth[domain.SlotGreen]
	assert.False(t, probed)
}

func TestStatus_UnknownEnvironment(t *testing.T) {
	env := setupOrchestrator(t)
	_, err := env.orch.Status(context.Background(), "demo", domain.EnvProduction)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHistory(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	for _, v := range []string{"v1", "v2"} {
		_, err := env.orch.Deploy(ctx, deployReq(v))
		require.NoError(t, err)
	}

	runs, err := env.orch.History(ctx, "demo", domain.EnvProduction, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, domain.RunSucceeded, runs[0].Status)
}

// =============================================================================
// CleanupAll
// =============================================================================

func TestCleanupAll(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	// Two projects, each with an expired grace slot.
	for _, project := range []string{"demo", "other"} {
		req := deployReq("v1")
		req.Project = project
		req.Build.Project = project
		_, err := env.orch.Deploy(ctx, req)
		require.NoError(t, err)
		_, err = env.orch.Promote(ctx, project, domain.EnvProduction, "op")
		require.NoError(t, err)

		req = deployReq("v2")
		req.Project = project
		req.Build.Project = project
		_, err = env.orch.Deploy(ctx, req)
		require.NoError(t, err)
		_, err = env.orch.Promote(ctx, project, domain.EnvProduction, "op")
		require.NoError(t, err)

		_, err = env.store.Transition(ctx, project, domain.EnvProduction,
			domain.SlotBlue, domain.SlotGrace, func(ps *domain.ProjectSlots) error {
				expired := time.Now().UTC().Add(-time.Minute)
				ps.Blue.GraceExpiresAt = &expired
				return nil
			})
		require.NoError(t, err)
	}

	cleaned, err := env.orch.CleanupAll(ctx)
	require.NoError(t, err)
	assert.Len(t, cleaned, 2)

	for _, project := range []string{"demo", "other"} {
		ps, err := env.store.GetSlots(ctx, project, domain.EnvProduction)
		require.NoError(t, err)
		assert.Equal(t, domain.SlotEmpty, ps.Blue.State, project)
	}
}

// =============================================================================
// Concurrency
// =============================================================================

// TestConcurrentDeploys_SameKey runs overlapping deploys on one key; the
// per-key lock serializes them so every run either succeeds or fails with a
// typed error, and the final record satisfies the slot invariants.
func TestConcurrentDeploys_SameKey(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	_, err := env.orch.Deploy(ctx, deployReq("v0"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.orch.Deploy(ctx, deployReq(fmt.Sprintf("v%d", i+1)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	ps, err := env.store.GetSlots(ctx, "demo", domain.EnvProduction)
	require.NoError(t, err)
	require.NoError(t, ps.Validate())
	assert.Empty(t, ps.Blue.DeployRunID)
	assert.Empty(t, ps.Green.DeployRunID)
}

func TestConcurrentOps_DifferentKeys(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, project := range []string{"alpha", "beta", "gamma"} {
		wg.Add(1)
		go func(project string) {
			defer wg.Done()
			req := deployReq("v1")
			req.Project = project
			req.Build.Project = project
			_, err := env.orch.Deploy(ctx, req)
			assert.NoError(t, err)
			_, err = env.orch.Promote(ctx, project, domain.EnvProduction, "op")
			assert.NoError(t, err)
		}(project)
	}
	wg.Wait()

	envs, err := env.orch.ListEnvironments(ctx)
	require.NoError(t, err)
	assert.Len(t, envs, 3)
	for _, ps := range envs {
		assert.Equal(t, domain.SlotActive, ps.Blue.State, ps.Project)
	}
}
