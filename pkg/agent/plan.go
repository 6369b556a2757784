package agent

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pragnya-works/edward/pkg/models"
)

// Canonical plan step titles, in workflow order. Step matching is fuzzy,
// so model-authored variants ("Analyzing the request") still bind to
// their canonical step.
const (
	StepAnalyze      = "Analyze request"
	StepResolveDeps  = "Resolve dependencies"
	StepGenerateCode = "Generate code"
	StepValidate     = "Validate & build"
	StepDeliver      = "Deliver preview"
)

var canonicalSteps = []string{StepAnalyze, StepResolveDeps, StepGenerateCode, StepValidate, StepDeliver}

// NewDefaultPlan returns the five-step plan every run starts from.
func NewDefaultPlan(summary string) *models.Plan {
	steps := make([]models.PlanStep, len(canonicalSteps))
	for i, title := range canonicalSteps {
		steps[i] = models.PlanStep{
			ID:     uuid.NewString(),
			Title:  title,
			Status: models.PlanStepPending,
		}
	}
	return &models.Plan{Summary: summary, Steps: steps, LastUpdatedAt: time.Now()}
}

// titleKeywords are the distinguishing words per canonical step, used
// when an exact-insensitive match fails.
var titleKeywords = map[string][]string{
	StepAnalyze:      {"analyz", "request"},
	StepResolveDeps:  {"resolv", "dependen"},
	StepGenerateCode: {"generat", "code"},
	StepValidate:     {"validat", "build"},
	StepDeliver:      {"deliver", "preview"},
}

// MatchStep resolves a free-form title to its canonical step title, or
// "" when nothing matches. Matching is case-insensitive; a keyword hit
// requires every keyword of exactly one canonical step.
func MatchStep(title string) string {
	normalized := strings.ToLower(strings.TrimSpace(title))
	if normalized == "" {
		return ""
	}
	for _, canonical := range canonicalSteps {
		if normalized == strings.ToLower(canonical) {
			return canonical
		}
	}

	var matched string
	for _, canonical := range canonicalSteps {
		all := true
		for _, kw := range titleKeywords[canonical] {
			if !strings.Contains(normalized, kw) {
				all = false
				break
			}
		}
		if all {
			if matched != "" {
				return ""
			}
			matched = canonical
		}
	}
	return matched
}

// MarkInProgress moves the matching step to in_progress. Done steps are
// never reopened.
func MarkInProgress(plan *models.Plan, title string) {
	mutateStep(plan, title, func(step *models.PlanStep) {
		if step.Status != models.PlanStepDone {
			step.Status = models.PlanStepInProgress
		}
	})
}

// UpdateForStep records the outcome of the matching step.
func UpdateForStep(plan *models.Plan, title string, success bool) {
	mutateStep(plan, title, func(step *models.PlanStep) {
		if step.Status == models.PlanStepDone {
			return
		}
		if success {
			step.Status = models.PlanStepDone
		} else {
			step.Status = models.PlanStepFailed
		}
	})
}

func mutateStep(plan *models.Plan, title string, fn func(*models.PlanStep)) {
	canonical := MatchStep(title)
	if canonical == "" {
		return
	}
	for i := range plan.Steps {
		if MatchStep(plan.Steps[i].Title) == canonical {
			fn(&plan.Steps[i])
			plan.LastUpdatedAt = time.Now()
			return
		}
	}
}

// MergePlanUpdate folds a model-proposed plan into the existing one.
// Existing step IDs are preserved by title match, done status is sticky,
// and steps the update omits are kept.
func MergePlanUpdate(existing, update *models.Plan) *models.Plan {
	if update == nil {
		return existing
	}
	merged := &models.Plan{
		Summary:       existing.Summary,
		Decisions:     existing.Decisions,
		Assumptions:   existing.Assumptions,
		LastUpdatedAt: time.Now(),
	}
	if update.Summary != "" {
		merged.Summary = update.Summary
	}
	merged.Decisions = append(merged.Decisions, update.Decisions...)
	merged.Assumptions = append(merged.Assumptions, update.Assumptions...)

	incoming := make(map[string]models.PlanStep)
	for _, step := range update.Steps {
		if canonical := MatchStep(step.Title); canonical != "" {
			incoming[canonical] = step
		}
	}

	for _, step := range existing.Steps {
		canonical := MatchStep(step.Title)
		upd, ok := incoming[canonical]
		if !ok {
			merged.Steps = append(merged.Steps, step)
			continue
		}
		next := step
		if upd.Description != "" {
			next.Description = upd.Description
		}
		if step.Status != models.PlanStepDone && upd.Status != "" {
			next.Status = upd.Status
		}
		merged.Steps = append(merged.Steps, next)
		delete(incoming, canonical)
	}

	// Novel steps the update introduced are appended with fresh IDs.
	for _, step := range update.Steps {
		canonical := MatchStep(step.Title)
		if _, pending := incoming[canonical]; !pending {
			continue
		}
		step.ID = uuid.NewString()
		merged.Steps = append(merged.Steps, step)
		delete(incoming, canonical)
	}
	return merged
}

// FinalizeBeforeCompletion marks every non-done step failed with the
// supplied reason. Called when a run terminates before finishing its
// plan, including cancellation.
func FinalizeBeforeCompletion(plan *models.Plan, reason string) {
	for i := range plan.Steps {
		if plan.Steps[i].Status != models.PlanStepDone {
			plan.Steps[i].Status = models.PlanStepFailed
			plan.Steps[i].Description = reason
		}
	}
	plan.LastUpdatedAt = time.Now()
}
