package models

import "time"

// PlanStepStatus is the workflow status of one plan step.
type PlanStepStatus string

// Plan step status values.
const (
	PlanStepPending    PlanStepStatus = "pending"
	PlanStepInProgress PlanStepStatus = "in_progress"
	PlanStepDone       PlanStepStatus = "done"
	PlanStepBlocked    PlanStepStatus = "blocked"
	PlanStepFailed     PlanStepStatus = "failed"
)

// PlanStep is one step of the assistant's working plan.
type PlanStep struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      PlanStepStatus `json:"status"`
}

// Plan is the assistant's working plan for a run: a summary, ordered steps,
// and the decisions/assumptions the model stated along the way.
type Plan struct {
	Summary       string     `json:"summary"`
	Steps         []PlanStep `json:"steps"`
	Decisions     []string   `json:"decisions,omitempty"`
	Assumptions   []string   `json:"assumptions,omitempty"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
}
