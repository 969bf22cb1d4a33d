package domain

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestSlots(t *testing.T) *ProjectSlots {
	t.Helper()
	ps := NewProjectSlots("demo", EnvProduction, "node-1", 20000, 20001)
	require.NoError(t, ps.Validate())
	return ps
}

func deployInto(t *testing.T, ps *ProjectSlots, version string) *Slot {
	t.Helper()
	target := ps.DeployTarget()
	require.NoError(t, ps.ClaimForDeploy(target.Name, "run-"+version))
	require.NoError(t, ps.CompleteDeploy(target.Name, "registry/demo:"+version, version, "ci", HealthHealthy, time.Now().UTC()))
	require.NoError(t, ps.Validate())
	return target
}

// =============================================================================
// Transition Table
// =============================================================================

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    SlotState
		to      SlotState
		wantErr bool
	}{
		{"empty to deployed", SlotEmpty, SlotDeployed, false},
		{"deployed to active", SlotDeployed, SlotActive, false},
		{"redeploy over deployed", SlotDeployed, SlotDeployed, false},
		{"active to grace", SlotActive, SlotGrace, false},
		{"grace to active", SlotGrace, SlotActive, false},
		{"grace to empty", SlotGrace, SlotEmpty, false},
		{"empty to active", SlotEmpty, SlotActive, true},
		{"active to empty", SlotActive, SlotEmpty, true},
		{"grace to deployed", SlotGrace, SlotDeployed, true},
		{"active to deployed", SlotActive, SlotDeployed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// =============================================================================
// Claim Semantics
// =============================================================================

func TestClaimForDeploy_Busy(t *testing.T) {
	ps := newTestSlots(t)
	target := ps.DeployTarget()

	require.NoError(t, ps.ClaimForDeploy(target.Name, "run-1"))
	err := ps.ClaimForDeploy(target.Name, "run-2")
	assert.ErrorIs(t, err, ErrSlotBusy)
}

func TestClaimForDeploy_ActiveSlotRejected(t *testing.T) {
	ps := newTestSlots(t)
	deployInto(t, ps, "v1")
	require.NoError(t, ps.Promote("op", 48*time.Hour, time.Now().UTC()))

	err := ps.ClaimForDeploy(ps.Active, "run-x")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestClaimForDeploy_GraceSlotDemotedToEmpty(t *testing.T) {
	now := time.Now().UTC()
	ps := newTestSlots(t)
	deployInto(t, ps, "v1")
	require.NoError(t, ps.Promote("op", 48*time.Hour, now))
	deployInto(t, ps, "v2")
	require.NoError(t, ps.Promote("op", 48*time.Hour, now))

	grace := ps.GraceSlot()
	require.NotNil(t, grace)

	// Claiming the unexpired grace slot forfeits rollback.
	require.NoError(t, ps.ClaimForDeploy(grace.Name, "run-3"))
	assert.Equal(t, SlotEmpty, grace.State)
	assert.Nil(t, grace.GraceExpiresAt)
	assert.Empty(t, grace.ImageRef)

	_, err := ps.RollbackCandidate(now)
	assert.ErrorIs(t, err, ErrNoRollbackTarget)
}

// =============================================================================
// Promote / Rollback
// =============================================================================

func TestPromote_RequiresDeployedHealthy(t *testing.T) {
	ps := newTestSlots(t)

	_, err := ps.PromoteCandidate()
	assert.ErrorIs(t, err, ErrNotPromotable)

	target := ps.DeployTarget()
	require.NoError(t, ps.ClaimForDeploy(target.Name, "run-1"))
	require.NoError(t, ps.CompleteDeploy(target.Name, "img:v1", "v1", "ci", HealthUnhealthy, time.Now().UTC()))

	_, err = ps.PromoteCandidate()
	assert.ErrorIs(t, err, ErrNotPromotable)
}

func TestPromote_InFlightDeployBlocks(t *testing.T) {
	ps := newTestSlots(t)
	target := deployInto(t, ps, "v1")

	// A redeploy claim on the same slot blocks promotion until it settles.
	require.NoError(t, ps.ClaimForDeploy(target.Name, "run-2"))
	_, err := ps.PromoteCandidate()
	assert.ErrorIs(t, err, ErrSlotBusy)
}

func TestRollback_Expired(t *testing.T) {
	now := time.Now().UTC()
	ps := newTestSlots(t)
	deployInto(t, ps, "v1")
	require.NoError(t, ps.Promote("op", 48*time.Hour, now))
	deployInto(t, ps, "v2")
	require.NoError(t, ps.Promote("op", time.Hour, now))

	_, err := ps.RollbackCandidate(now.Add(2 * time.Hour))
	assert.ErrorIs(t, err, ErrNoRollbackTarget)
}

func TestPromoteThenRollback_RoundTrip(t *testing.T) {
	now := time.Now().UTC()
	ps := newTestSlots(t)
	deployInto(t, ps, "v1")
	require.NoError(t, ps.Promote("op", 48*time.Hour, now))
	deployInto(t, ps, "v2")

	prevActive := ps.Active
	prevPort := ps.ActiveSlot().Port
	prevVersion := ps.ActiveSlot().ReleaseVersion

	require.NoError(t, ps.Promote("op", 48*time.Hour, now))
	require.NotEqual(t, prevActive, ps.Active)

	require.NoError(t, ps.Rollback("op", 48*time.Hour, now))
	assert.Equal(t, prevActive, ps.Active)
	assert.Equal(t, prevPort, ps.ActiveSlot().Port)
	assert.Equal(t, prevVersion, ps.ActiveSlot().ReleaseVersion)
	require.NoError(t, ps.Validate())
}

// =============================================================================
// Expiry
// =============================================================================

func TestExpire_Idempotent(t *testing.T) {
	now := time.Now().UTC()
	ps := newTestSlots(t)
	deployInto(t, ps, "v1")
	require.NoError(t, ps.Promote("op", 48*time.Hour, now))
	deployInto(t, ps, "v2")
	require.NoError(t, ps.Promote("op", time.Hour, now))

	grace := ps.GraceSlot()
	require.NotNil(t, grace)
	name := grace.Name

	later := now.Add(2 * time.Hour)
	assert.True(t, ps.Expire(name, later))
	assert.Equal(t, SlotEmpty, ps.Slot(name).State)

	// Second expiry of the same slot is a no-op.
	assert.False(t, ps.Expire(name, later))
	require.NoError(t, ps.Validate())
}

// =============================================================================
// Full Scenario
// =============================================================================

// TestBlueGreenScenario walks the canonical deploy/promote/deploy/promote/
// rollback sequence for a fresh environment.
func TestBlueGreenScenario(t *testing.T) {
	now := time.Now().UTC()
	ps := NewProjectSlots("demo", EnvProduction, "node-1", 20000, 20001)

	// deploy v1 -> blue deployed at its assigned port
	require.NoError(t, ps.ClaimForDeploy(SlotBlue, "run-1"))
	require.NoError(t, ps.CompleteDeploy(SlotBlue, "demo:v1", "v1", "ci", HealthHealthy, now))
	assert.Equal(t, SlotDeployed, ps.Blue.State)
	p1 := ps.Blue.Port

	// promote -> blue active, green untouched (no prior active to demote)
	require.NoError(t, ps.Promote("op", 48*time.Hour, now))
	assert.Equal(t, SlotBlue, ps.Active)
	assert.Equal(t, SlotEmpty, ps.Green.State)

	// deploy v2 -> green deployed at its own port
	target := ps.DeployTarget()
	assert.Equal(t, SlotGreen, target.Name)
	require.NoError(t, ps.ClaimForDeploy(SlotGreen, "run-2"))
	require.NoError(t, ps.CompleteDeploy(SlotGreen, "demo:v2", "v2", "ci", HealthHealthy, now))
	assert.NotEqual(t, p1, ps.Green.Port)

	// promote -> green active, blue in grace for 48h
	require.NoError(t, ps.Promote("op", 48*time.Hour, now))
	assert.Equal(t, SlotGreen, ps.Active)
	assert.Equal(t, SlotGrace, ps.Blue.State)
	require.NotNil(t, ps.Blue.GraceExpiresAt)
	assert.Equal(t, now.Add(48*time.Hour), *ps.Blue.GraceExpiresAt)

	// rollback -> blue active again at P1, green in grace
	require.NoError(t, ps.Rollback("op", 48*time.Hour, now))
	assert.Equal(t, SlotBlue, ps.Active)
	assert.Equal(t, p1, ps.ActiveSlot().Port)
	assert.Equal(t, "v1", ps.ActiveSlot().ReleaseVersion)
	assert.Equal(t, SlotGrace, ps.Green.State)
	require.NoError(t, ps.Validate())
}

// =============================================================================
// Invariant Property
// =============================================================================

// TestSingleActiveInvariant applies random deploy/promote/rollback/expire
// sequences and asserts at most one slot is ever active and the record stays
// valid.
func TestSingleActiveInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 100; round++ {
		now := time.Now().UTC()
		ps := NewProjectSlots("demo", EnvStaging, "node-1", 21000, 21001)

		for op := 0; op < 60; op++ {
			switch rng.Intn(4) {
			case 0: // deploy
				target := ps.DeployTarget()
				if err := ps.ClaimForDeploy(target.Name, "r"); err == nil {
					_ = ps.CompleteDeploy(target.Name, "img", "v", "ci", HealthHealthy, now)
				}
			case 1: // promote
				_ = ps.Promote("op", 48*time.Hour, now)
			case 2: // rollback
				_ = ps.Rollback("op", 48*time.Hour, now)
			case 3: // expiry sweep far in the future
				later := now.Add(100 * time.Hour)
				ps.Expire(SlotBlue, later)
				ps.Expire(SlotGreen, later)
			}

			active := 0
			if ps.Blue.State == SlotActive {
				active++
			}
			if ps.Green.State == SlotActive {
				active++
			}
			require.LessOrEqual(t, active, 1, "round %d op %d", round, op)
			require.NoError(t, ps.Validate(), "round %d op %d", round, op)
		}
	}
}

// =============================================================================
// Validate
// =============================================================================

func TestValidate_Violations(t *testing.T) {
	t.Run("shared port", func(t *testing.T) {
		ps := NewProjectSlots("demo", EnvStaging, "node-1", 20000, 20000)
		assert.ErrorIs(t, ps.Validate(), ErrInvariantViolated)
	})

	t.Run("both active", func(t *testing.T) {
		ps := newTestSlots(t)
		ps.Blue.State = SlotActive
		ps.Green.State = SlotActive
		ps.Active = SlotBlue
		assert.ErrorIs(t, ps.Validate(), ErrInvariantViolated)
	})

	t.Run("dangling active pointer", func(t *testing.T) {
		ps := newTestSlots(t)
		ps.Active = SlotBlue
		assert.ErrorIs(t, ps.Validate(), ErrInvariantViolated)
	})

	t.Run("grace without expiry", func(t *testing.T) {
		ps := newTestSlots(t)
		ps.Blue.State = SlotGrace
		assert.ErrorIs(t, ps.Validate(), ErrInvariantViolated)
	})
}

func TestParseEnvironment(t *testing.T) {
	env, err := ParseEnvironment("production")
	require.NoError(t, err)
	assert.Equal(t, EnvProduction, env)

	_, err = ParseEnvironment("qa")
	assert.True(t, errors.Is(err, ErrUnknownEnvironment))
}
