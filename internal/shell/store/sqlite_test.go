package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/slipway/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func createTestEnvironment(t *testing.T, s *SQLiteStore, project string, env domain.Environment) *domain.ProjectSlots {
	t.Helper()
	ctx := context.Background()
	_, err := s.EnsureProject(ctx, project, "platform")
	require.NoError(t, err)

	ps := domain.NewProjectSlots(project, env, "node-1", 20000, 20001)
	require.NoError(t, s.CreateEnvironment(ctx, ps))
	return ps
}

// deployAndPromote walks a record to the given state through the store's
// transition path.
func deployAndPromote(t *testing.T, s *SQLiteStore, project string, env domain.Environment, version string, graceWindow time.Duration) *domain.ProjectSlots {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	ps, err := s.GetSlots(ctx, project, env)
	require.NoError(t, err)
	target := ps.DeployTarget()

	ps, err = s.Transition(ctx, project, env, target.Name, target.State, func(ps *domain.ProjectSlots) error {
		if err := ps.ClaimForDeploy(target.Name, "run-"+version); err != nil {
			return err
		}
		return ps.CompleteDeploy(target.Name, "demo:"+version, version, "ci", domain.HealthHealthy, now)
	})
	require.NoError(t, err)

	ps, err = s.Transition(ctx, project, env, target.Name, domain.SlotDeployed, func(ps *domain.ProjectSlots) error {
		return ps.Promote("op", graceWindow, now)
	})
	require.NoError(t, err)
	return ps
}

// =============================================================================
// Projects
// =============================================================================

func TestEnsureProject_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureProject(ctx, "demo", "platform")
	require.NoError(t, err)
	assert.Equal(t, "demo", first.Name)
	assert.Equal(t, "platform", first.Team)

	// Second call keeps the original record.
	again, err := s.EnsureProject(ctx, "demo", "another-team")
	require.NoError(t, err)
	assert.Equal(t, "platform", again.Team)

	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestGetProject_FillsEnvironments(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestEnvironment(t, s, "demo", domain.EnvProduction)

	ps := domain.NewProjectSlots("demo", domain.EnvStaging, "node-1", 20002, 20003)
	require.NoError(t, s.CreateEnvironment(ctx, ps))

	project, err := s.GetProject(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, []domain.Environment{domain.EnvProduction, domain.EnvStaging}, project.Environments)
}

func TestGetProject_NotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetProject(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Environments
// =============================================================================

func TestCreateEnvironment_Duplicate(t *testing.T) {
	s := setupTestStore(t)
	createTestEnvironment(t, s, "demo", domain.EnvProduction)

	dup := domain.NewProjectSlots("demo", domain.EnvProduction, "node-2", 20010, 20011)
	err := s.CreateEnvironment(context.Background(), dup)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestGetSlots_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	created := createTestEnvironment(t, s, "demo", domain.EnvProduction)

	got, err := s.GetSlots(context.Background(), "demo", domain.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, created.Blue.Port, got.Blue.Port)
	assert.Equal(t, created.Green.Port, got.Green.Port)
	assert.Equal(t, "node-1", got.Host)
	assert.Equal(t, domain.SlotEmpty, got.Blue.State)
	assert.Empty(t, got.Active)
}

func TestGetSlots_NotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetSlots(context.Background(), "demo", domain.EnvProduction)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUsedPorts(t *testing.T) {
	s := setupTestStore(t)
	createTestEnvironment(t, s, "demo", domain.EnvProduction)

	used, err := s.UsedPorts(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{20000, 20001}, used)
}

func TestEnvironmentsByHost(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestEnvironment(t, s, "demo", domain.EnvProduction)

	other := domain.NewProjectSlots("demo", domain.EnvStaging, "node-2", 20002, 20003)
	require.NoError(t, s.CreateEnvironment(ctx, other))

	counts, err := s.EnvironmentsByHost(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"node-1": 1, "node-2": 1}, counts)
}

// =============================================================================
// Transition
// =============================================================================

func TestTransition_StateMismatch(t *testing.T) {
	s := setupTestStore(t)
	createTestEnvironment(t, s, "demo", domain.EnvProduction)

	_, err := s.Transition(context.Background(), "demo", domain.EnvProduction,
		domain.SlotBlue, domain.SlotDeployed, func(ps *domain.ProjectSlots) error {
			return nil
		})
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestTransition_RejectsInvariantViolation(t *testing.T) {
	s := setupTestStore(t)
	createTestEnvironment(t, s, "demo", domain.EnvProduction)

	_, err := s.Transition(context.Background(), "demo", domain.EnvProduction,
		domain.SlotBlue, domain.SlotEmpty, func(ps *domain.ProjectSlots) error {
			ps.Blue.State = domain.SlotActive
			ps.Green.State = domain.SlotActive
			ps.Active = domain.SlotBlue
			return nil
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvariantViolated)

	// The record is untouched.
	got, err := s.GetSlots(context.Background(), "demo", domain.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, domain.SlotEmpty, got.Blue.State)
	assert.EqualValues(t, 0, got.Version)
}

func TestTransition_BumpsVersion(t *testing.T) {
	s := setupTestStore(t)
	createTestEnvironment(t, s, "demo", domain.EnvProduction)

	ps, err := s.Transition(context.Background(), "demo", domain.EnvProduction,
		domain.SlotBlue, domain.SlotEmpty, func(ps *domain.ProjectSlots) error {
			return ps.ClaimForDeploy(domain.SlotBlue, "run-1")
		})
	require.NoError(t, err)
	assert.EqualValues(t, 1, ps.Version)
}

func TestTransition_FullLifecycle(t *testing.T) {
	s := setupTestStore(t)
	createTestEnvironment(t, s, "demo", domain.EnvProduction)

	ps := deployAndPromote(t, s, "demo", domain.EnvProduction, "v1", 48*time.Hour)
	assert.Equal(t, domain.SlotBlue, ps.Active)

	ps = deployAndPromote(t, s, "demo", domain.EnvProduction, "v2", 48*time.Hour)
	assert.Equal(t, domain.SlotGreen, ps.Active)
	assert.Equal(t, domain.SlotGrace, ps.Blue.State)
}

// TestTransition_NoLostUpdates races concurrent claims on the same slot and
// checks exactly one wins per round.
func TestTransition_NoLostUpdates(t *testing.T) {
	s := setupTestStore(t)
	createTestEnvironment(t, s, "demo", domain.EnvProduction)
	ctx := context.Background()

	const rounds = 10
	const contenders = 5

	var totalWins int32
	for round := 0; round < rounds; round++ {
		var wins int32
		var wg sync.WaitGroup
		for c := 0; c < contenders; c++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Transition(ctx, "demo", domain.EnvProduction,
					domain.SlotBlue, domain.SlotEmpty, func(ps *domain.ProjectSlots) error {
						return ps.ClaimForDeploy(domain.SlotBlue, "run")
					})
				if err == nil {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()

		require.EqualValues(t, 1, wins, "round %d", round)
		totalWins += wins

		// Release the claim for the next round.
		_, err := s.Transition(ctx, "demo", domain.EnvProduction,
			domain.SlotBlue, domain.SlotEmpty, func(ps *domain.ProjectSlots) error {
				ps.ReleaseClaim(domain.SlotBlue, "")
				return nil
			})
		require.NoError(t, err)
	}

	assert.EqualValues(t, rounds, totalWins)
}

// =============================================================================
// Expired Grace
// =============================================================================

func TestListExpiredGrace(t *testing.T) {
	s := setupTestStore(t)
	createTestEnvironment(t, s, "demo", domain.EnvProduction)
	ctx := context.Background()

	deployAndPromote(t, s, "demo", domain.EnvProduction, "v1", 48*time.Hour)
	deployAndPromote(t, s, "demo", domain.EnvProduction, "v2", time.Hour)

	// Not expired yet.
	refs, err := s.ListExpiredGrace(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, refs)

	refs, err = s.ListExpiredGrace(ctx, time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "demo", refs[0].Project)
	assert.Equal(t, domain.EnvProduction, refs[0].Environment)
	assert.Equal(t, domain.SlotBlue, refs[0].Slot)
}

// =============================================================================
// Deployment Runs
// =============================================================================

func TestRuns_CreateGetList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := domain.NewDeploymentRun("demo", domain.EnvProduction, "ci", []string{"prepare", "launch"})
	require.NoError(t, s.CreateRun(ctx, run))

	// Re-creating with the same ID updates status and record.
	run.Finish(nil)
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, got.Status)
	assert.Len(t, got.Steps, 2)

	runs, err := s.ListRuns(ctx, "demo", domain.EnvProduction, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestGetRun_NotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRuns_LimitAndOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		run := domain.NewDeploymentRun("demo", domain.EnvProduction, "ci", nil)
		run.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateRun(ctx, run))
	}

	runs, err := s.ListRuns(ctx, "demo", domain.EnvProduction, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.True(t, runs[0].CreatedAt.After(runs[1].CreatedAt))
}
