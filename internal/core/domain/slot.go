package domain

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Slot Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid slot state transition")
	ErrSlotBusy          = errors.New("slot has a deploy in progress")
	ErrNotPromotable     = errors.New("no deployed healthy slot to promote")
	ErrNoRollbackTarget  = errors.New("no unexpired grace slot to roll back to")
	ErrInvariantViolated = errors.New("slot invariant violated")
)

// =============================================================================
// Slot States
// =============================================================================

// SlotState represents the lifecycle state of a deployment slot.
type SlotState string

const (
	// SlotEmpty means nothing is running in the slot.
	SlotEmpty SlotState = "empty"
	// SlotDeployed means a release is running dark, not receiving live traffic.
	SlotDeployed SlotState = "deployed"
	// SlotActive means the slot receives live traffic.
	SlotActive SlotState = "active"
	// SlotGrace means the slot was recently demoted and is retained for rollback
	// until its expiry.
	SlotGrace SlotState = "grace"
)

// HealthStatus classifies the last observed health of a slot's release.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Slot names. Every (project, environment) pair owns exactly these two.
const (
	SlotBlue  = "blue"
	SlotGreen = "green"
)

// validTransitions defines the allowed slot state transitions.
// grace -> empty covers both expiry cleanup and a deploy claiming the slot
// early (the claim demotes it to empty before the deploy starts).
var validTransitions = map[SlotState][]SlotState{
	SlotEmpty:    {SlotDeployed},
	SlotDeployed: {SlotDeployed, SlotActive, SlotEmpty},
	SlotActive:   {SlotGrace},
	SlotGrace:    {SlotActive, SlotEmpty},
}

// ValidateTransition checks if a slot state transition is valid.
func ValidateTransition(from, to SlotState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// =============================================================================
// Slot
// =============================================================================

// Slot is one of the two fixed deployment targets of an environment.
// Its port is assigned at provisioning and never changes afterwards.
type Slot struct {
	Name           string       `json:"name"`
	State          SlotState    `json:"state"`
	Port           int          `json:"port"`
	ImageRef       string       `json:"image_ref,omitempty"`
	ReleaseVersion string       `json:"release_version,omitempty"`
	Health         HealthStatus `json:"health"`

	// DeployRunID claims the slot for an in-flight deploy. A second deploy
	// finding it set fails with ErrSlotBusy.
	DeployRunID string `json:"deploy_run_id,omitempty"`

	DeployedAt   *time.Time `json:"deployed_at,omitempty"`
	DeployedBy   string     `json:"deployed_by,omitempty"`
	PromotedAt   *time.Time `json:"promoted_at,omitempty"`
	PromotedBy   string     `json:"promoted_by,omitempty"`
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty"`

	// GraceExpiresAt is set only while State is SlotGrace.
	GraceExpiresAt *time.Time `json:"grace_expires_at,omitempty"`
}

// NewSlot creates an empty slot bound to a port.
func NewSlot(name string, port int) Slot {
	return Slot{
		Name:   name,
		State:  SlotEmpty,
		Port:   port,
		Health: HealthUnknown,
	}
}

// Expired reports whether a grace slot is past its expiry.
func (s *Slot) Expired(now time.Time) bool {
	return s.State == SlotGrace && s.GraceExpiresAt != nil && now.After(*s.GraceExpiresAt)
}

// clearRelease resets release attributes when a slot returns to empty.
func (s *Slot) clearRelease() {
	s.ImageRef = ""
	s.ReleaseVersion = ""
	s.Health = HealthUnknown
	s.DeployedAt = nil
	s.DeployedBy = ""
	s.PromotedAt = nil
	s.PromotedBy = ""
	s.RolledBackAt = nil
	s.GraceExpiresAt = nil
}

// =============================================================================
// ProjectSlots
// =============================================================================

// ProjectSlots is the full slot record of one (project, environment) pair:
// both slots, the active-slot pointer and the optimistic concurrency version.
type ProjectSlots struct {
	Project     string      `json:"project"`
	Environment Environment `json:"environment"`
	Host        string      `json:"host"`
	Blue        Slot        `json:"blue"`
	Green       Slot        `json:"green"`

	// Active is the name of the slot receiving live traffic, or "" before the
	// first promote.
	Active string `json:"active,omitempty"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProjectSlots provisions an environment with two empty slots on the given
// host and ports.
func NewProjectSlots(project string, env Environment, host string, bluePort, greenPort int) *ProjectSlots {
	return &ProjectSlots{
		Project:     project,
		Environment: env,
		Host:        host,
		Blue:        NewSlot(SlotBlue, bluePort),
		Green:       NewSlot(SlotGreen, greenPort),
		UpdatedAt:   time.Now().UTC(),
	}
}

// Slot returns the slot with the given name, or nil.
func (ps *ProjectSlots) Slot(name string) *Slot {
	switch name {
	case SlotBlue:
		return &ps.Blue
	case SlotGreen:
		return &ps.Green
	default:
		return nil
	}
}

// Other returns the slot opposite to the given name, or nil.
func (ps *ProjectSlots) Other(name string) *Slot {
	switch name {
	case SlotBlue:
		return &ps.Green
	case SlotGreen:
		return &ps.Blue
	default:
		return nil
	}
}

// ActiveSlot returns the slot receiving live traffic, or nil before the first
// promote.
func (ps *ProjectSlots) ActiveSlot() *Slot {
	if ps.Active == "" {
		return nil
	}
	return ps.Slot(ps.Active)
}

// GraceSlot returns the slot currently in grace, or nil.
func (ps *ProjectSlots) GraceSlot() *Slot {
	if ps.Blue.State == SlotGrace {
		return &ps.Blue
	}
	if ps.Green.State == SlotGrace {
		return &ps.Green
	}
	return nil
}

// DeployTarget returns the slot the next deploy goes into: whichever slot is
// not active, preferring an empty one before the first promote.
func (ps *ProjectSlots) DeployTarget() *Slot {
	if ps.Active != "" {
		return ps.Other(ps.Active)
	}
	if ps.Blue.State == SlotEmpty {
		return &ps.Blue
	}
	if ps.Green.State == SlotEmpty {
		return &ps.Green
	}
	return &ps.Blue
}

// ClaimForDeploy marks the named slot as owned by the given deployment run.
// Claiming a grace slot demotes it to empty as a side effect: the release it
// held is about to be replaced, so it is no longer a rollback target.
func (ps *ProjectSlots) ClaimForDeploy(name, runID string) error {
	slot := ps.Slot(name)
	if slot == nil {
		return fmt.Errorf("%w: no slot %q", ErrInvariantViolated, name)
	}
	if slot.State == SlotActive {
		return fmt.Errorf("%w: cannot deploy into active slot %s", ErrInvalidTransition, name)
	}
	if slot.DeployRunID != "" {
		return fmt.Errorf("%w: slot %s claimed by run %s", ErrSlotBusy, name, slot.DeployRunID)
	}
	if slot.State == SlotGrace {
		slot.State = SlotEmpty
		slot.clearRelease()
	}
	slot.DeployRunID = runID
	return nil
}

// ReleaseClaim clears the deploy claim of the named slot. Used on pipeline
// failure; success clears it through CompleteDeploy.
func (ps *ProjectSlots) ReleaseClaim(name string, health HealthStatus) {
	slot := ps.Slot(name)
	if slot == nil {
		return
	}
	slot.DeployRunID = ""
	if health != "" {
		slot.Health = health
	}
}

// CompleteDeploy records a successful deploy into the named slot.
func (ps *ProjectSlots) CompleteDeploy(name, imageRef, releaseVersion, actor string, health HealthStatus, now time.Time) error {
	slot := ps.Slot(name)
	if slot == nil {
		return fmt.Errorf("%w: no slot %q", ErrInvariantViolated, name)
	}
	if err := ValidateTransition(slot.State, SlotDeployed); err != nil {
		return err
	}
	slot.State = SlotDeployed
	slot.ImageRef = imageRef
	slot.ReleaseVersion = releaseVersion
	slot.Health = health
	slot.DeployedAt = &now
	slot.DeployedBy = actor
	slot.DeployRunID = ""
	return nil
}

// PromoteCandidate returns the slot eligible for promotion, or an error when
// the non-active slot is not deployed and healthy.
func (ps *ProjectSlots) PromoteCandidate() (*Slot, error) {
	var target *Slot
	if ps.Active != "" {
		target = ps.Other(ps.Active)
	} else if ps.Blue.State == SlotDeployed {
		target = &ps.Blue
	} else {
		target = &ps.Green
	}
	if target.State != SlotDeployed {
		return nil, fmt.Errorf("%w: slot %s is %s", ErrNotPromotable, target.Name, target.State)
	}
	if target.Health != HealthHealthy {
		return nil, fmt.Errorf("%w: slot %s is %s", ErrNotPromotable, target.Name, target.Health)
	}
	if target.DeployRunID != "" {
		return nil, fmt.Errorf("%w: slot %s claimed by run %s", ErrSlotBusy, target.Name, target.DeployRunID)
	}
	return target, nil
}

// Promote flips live traffic to the deployed slot and demotes the previous
// active slot to grace. Both slots and the active pointer change in one step.
func (ps *ProjectSlots) Promote(actor string, graceWindow time.Duration, now time.Time) error {
	target, err := ps.PromoteCandidate()
	if err != nil {
		return err
	}
	if prev := ps.ActiveSlot(); prev != nil {
		prev.State = SlotGrace
		expiry := now.Add(graceWindow)
		prev.GraceExpiresAt = &expiry
	}
	target.State = SlotActive
	target.PromotedAt = &now
	target.PromotedBy = actor
	target.GraceExpiresAt = nil
	ps.Active = target.Name
	return nil
}

// RollbackCandidate returns the grace slot eligible for rollback, or an error
// when none exists or it is expired.
func (ps *ProjectSlots) RollbackCandidate(now time.Time) (*Slot, error) {
	target := ps.GraceSlot()
	if target == nil {
		return nil, ErrNoRollbackTarget
	}
	if target.Expired(now) {
		return nil, fmt.Errorf("%w: slot %s grace expired at %s",
			ErrNoRollbackTarget, target.Name, target.GraceExpiresAt.Format(time.RFC3339))
	}
	if target.DeployRunID != "" {
		return nil, fmt.Errorf("%w: slot %s claimed by run %s", ErrSlotBusy, target.Name, target.DeployRunID)
	}
	return target, nil
}

// Rollback restores live traffic to the grace slot. Symmetric with Promote:
// the demoted slot goes to grace with a fresh expiry.
func (ps *ProjectSlots) Rollback(actor string, graceWindow time.Duration, now time.Time) error {
	target, err := ps.RollbackCandidate(now)
	if err != nil {
		return err
	}
	if prev := ps.ActiveSlot(); prev != nil {
		prev.State = SlotGrace
		expiry := now.Add(graceWindow)
		prev.GraceExpiresAt = &expiry
	}
	target.State = SlotActive
	target.RolledBackAt = &now
	target.PromotedBy = actor
	target.GraceExpiresAt = nil
	ps.Active = target.Name
	return nil
}

// Expire resets an expired grace slot to empty. Returns false when the slot is
// not an expired grace slot (idempotent cleanup).
func (ps *ProjectSlots) Expire(name string, now time.Time) bool {
	slot := ps.Slot(name)
	if slot == nil || !slot.Expired(now) {
		return false
	}
	slot.State = SlotEmpty
	slot.clearRelease()
	slot.DeployRunID = ""
	return true
}

// Validate enforces the structural invariants of the record. It is called by
// the store on every write.
func (ps *ProjectSlots) Validate() error {
	if ps.Blue.Name != SlotBlue || ps.Green.Name != SlotGreen {
		return fmt.Errorf("%w: slots must be named %s and %s", ErrInvariantViolated, SlotBlue, SlotGreen)
	}
	if ps.Blue.Port <= 0 || ps.Green.Port <= 0 {
		return fmt.Errorf("%w: slots must have assigned ports", ErrInvariantViolated)
	}
	if ps.Blue.Port == ps.Green.Port {
		return fmt.Errorf("%w: slots share port %d", ErrInvariantViolated, ps.Blue.Port)
	}
	if ps.Blue.State == SlotActive && ps.Green.State == SlotActive {
		return fmt.Errorf("%w: both slots active", ErrInvariantViolated)
	}
	if ps.Blue.State == SlotGrace && ps.Green.State == SlotGrace {
		return fmt.Errorf("%w: both slots in grace", ErrInvariantViolated)
	}
	switch ps.Active {
	case "":
		if ps.Blue.State == SlotActive || ps.Green.State == SlotActive {
			return fmt.Errorf("%w: active slot without active pointer", ErrInvariantViolated)
		}
	case SlotBlue, SlotGreen:
		if ps.Slot(ps.Active).State != SlotActive {
			return fmt.Errorf("%w: active pointer names %s slot %s",
				ErrInvariantViolated, ps.Slot(ps.Active).State, ps.Active)
		}
	default:
		return fmt.Errorf("%w: active pointer %q", ErrInvariantViolated, ps.Active)
	}
	for _, slot := range []*Slot{&ps.Blue, &ps.Green} {
		if slot.State == SlotGrace && slot.GraceExpiresAt == nil {
			return fmt.Errorf("%w: grace slot %s without expiry", ErrInvariantViolated, slot.Name)
		}
		if slot.State != SlotGrace && slot.GraceExpiresAt != nil {
			return fmt.Errorf("%w: %s slot %s with grace expiry", ErrInvariantViolated, slot.State, slot.Name)
		}
	}
	return nil
}
