package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Step Status
// =============================================================================

// StepStatus represents the outcome of a single pipeline step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// RunStatus represents the overall outcome of a deployment run.
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunSucceeded  RunStatus = "succeeded"
	RunFailed     RunStatus = "failed"
)

// =============================================================================
// Deployment Run
// =============================================================================

// Step records one discrete unit of a deploy: prepare, launch, health-check
// and so on.
type Step struct {
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Duration  float64    `json:"duration_seconds,omitempty"`
	Output    string     `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// DeploymentRun is the record of one pipeline execution. It is kept for
// history; slot state is never derived from it.
type DeploymentRun struct {
	ID          string      `json:"id"`
	Project     string      `json:"project"`
	Environment Environment `json:"environment"`
	Slot        string      `json:"slot,omitempty"`
	ImageRef    string      `json:"image_ref,omitempty"`
	Source      string      `json:"source,omitempty"`
	Actor       string      `json:"actor,omitempty"`
	Status      RunStatus   `json:"status"`
	Steps       []Step      `json:"steps"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

// NewDeploymentRun creates a run with the given planned steps, all pending.
func NewDeploymentRun(project string, env Environment, actor string, stepNames []string) *DeploymentRun {
	steps := make([]Step, 0, len(stepNames))
	for _, name := range stepNames {
		steps = append(steps, Step{Name: name, Status: StepPending})
	}
	return &DeploymentRun{
		ID:          uuid.New().String(),
		Project:     project,
		Environment: env,
		Actor:       actor,
		Status:      RunInProgress,
		Steps:       steps,
		CreatedAt:   time.Now().UTC(),
	}
}

// StartStep marks a step running and returns it for later completion.
func (r *DeploymentRun) StartStep(name string) *Step {
	step := r.step(name)
	if step == nil {
		r.Steps = append(r.Steps, Step{Name: name})
		step = &r.Steps[len(r.Steps)-1]
	}
	now := time.Now().UTC()
	step.Status = StepRunning
	step.StartedAt = &now
	return step
}

// FinishStep records the outcome of a running step.
func (r *DeploymentRun) FinishStep(name string, status StepStatus, output string, err error) {
	step := r.step(name)
	if step == nil {
		return
	}
	step.Status = status
	step.Output = output
	if step.StartedAt != nil {
		step.Duration = time.Now().UTC().Sub(*step.StartedAt).Seconds()
	}
	if err != nil {
		step.Error = err.Error()
	}
}

// SkipStep marks a pending step skipped.
func (r *DeploymentRun) SkipStep(name string) {
	if step := r.step(name); step != nil {
		step.Status = StepSkipped
	}
}

// Finish closes the run. Steps still pending after a failure stay pending so
// the record shows where execution stopped.
func (r *DeploymentRun) Finish(err error) {
	now := time.Now().UTC()
	r.FinishedAt = &now
	if err != nil {
		r.Status = RunFailed
		r.Error = err.Error()
		return
	}
	r.Status = RunSucceeded
}

// FailedStep returns the name of the failed step, or "".
func (r *DeploymentRun) FailedStep() string {
	for i := range r.Steps {
		if r.Steps[i].Status == StepFailed {
			return r.Steps[i].Name
		}
	}
	return ""
}

func (r *DeploymentRun) step(name string) *Step {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}
