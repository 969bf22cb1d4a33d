package store

import (
	"context"
	"time"

	"github.com/artpar/slipway/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// GraceRef identifies a grace slot found past its expiry.
type GraceRef struct {
	Project     string
	Environment domain.Environment
	Slot        string
}

// TransitionFunc mutates a slot record inside a conditional write. It
// receives the full record so a promote can demote the opposite slot in the
// same atomic step.
type TransitionFunc func(ps *domain.ProjectSlots) error

// Store is the single source of truth for project and slot state.
type Store interface {
	// Project registry
	EnsureProject(ctx context.Context, name, team string) (*domain.Project, error)
	GetProject(ctx context.Context, name string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)

	// Environment slot records
	CreateEnvironment(ctx context.Context, ps *domain.ProjectSlots) error
	GetSlots(ctx context.Context, project string, env domain.Environment) (*domain.ProjectSlots, error)
	ListEnvironments(ctx context.Context) ([]domain.ProjectSlots, error)
	ListExpiredGrace(ctx context.Context, now time.Time) ([]GraceRef, error)
	UsedPorts(ctx context.Context) ([]int, error)
	EnvironmentsByHost(ctx context.Context) (map[string]int, error)

	// Transition is the sole write path for slot state. The named slot must
	// currently be in fromState or the call fails with ErrStateConflict; the
	// mutated record is committed with an optimistic version check, so a
	// concurrent writer also surfaces as ErrStateConflict, never a lost
	// update.
	Transition(ctx context.Context, project string, env domain.Environment, slot string, fromState domain.SlotState, fn TransitionFunc) (*domain.ProjectSlots, error)

	// Deployment run history
	CreateRun(ctx context.Context, run *domain.DeploymentRun) error
	GetRun(ctx context.Context, id string) (*domain.DeploymentRun, error)
	ListRuns(ctx context.Context, project string, env domain.Environment, limit int) ([]domain.DeploymentRun, error)

	// Lifecycle
	Close() error
}
