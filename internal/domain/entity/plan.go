package entity

import "time"

// PlanStep is one unit of work produced by the Planner.
type PlanStep struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	ExpectedOutput     string   `json:"expectedOutput"`
	ToolHints          []string `json:"toolHints"`
	RequiresExternalData bool   `json:"requiresExternalData"`
}

// ToolCallEntry is the per-call audit trail written during step execution
// (spec.md §4.11): {toolId, timestamp, success, resultSnippet, outputPath?}.
type ToolCallEntry struct {
	ToolID        string    `json:"toolId"`
	Timestamp     time.Time `json:"timestamp"`
	Success       bool      `json:"success"`
	ResultSnippet string    `json:"resultSnippet"` // truncated to 200 chars
	OutputPath    string    `json:"outputPath,omitempty"`
}

// TruncateSnippet clamps a tool result to the 200-char snippet bound.
func TruncateSnippet(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// PlanProgress tracks step completion and re-plan bookkeeping.
type PlanProgress struct {
	CompletedStepIDs      []string        `json:"completedStepIds"`
	RemainingStepIDs      []string        `json:"remainingStepIds"`
	CurrentStepID         string          `json:"currentStepId"`
	CurrentStepToolCalls  []ToolCallEntry `json:"currentStepToolCalls"`
	CompletedAt           *time.Time      `json:"completedAt,omitempty"`
	FailedAt              *time.Time      `json:"failedAt,omitempty"`
	StoppedAt             *time.Time      `json:"stoppedAt,omitempty"`
}

// Plan is the workspace's plan.json: the Planner's output plus mutable
// execution progress.
type Plan struct {
	Approach     string       `json:"approach"`
	IsSimpleTask bool         `json:"isSimpleTask"`
	Steps        []PlanStep   `json:"steps"`
	Progress     PlanProgress `json:"progress"`
}

// StepByID looks up a step by id.
func (p *Plan) StepByID(id string) (*PlanStep, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// CompletedIsPrefix checks the spec.md §8 invariant: completedStepIds is a
// prefix of plan.steps by id (modulo a re-plan event, which is expected to
// replace the remaining suffix atomically and is therefore not checked
// here — callers compare against the plan as of the last re-plan).
func (p *Plan) CompletedIsPrefix() bool {
	if len(p.Progress.CompletedStepIDs) > len(p.Steps) {
		return false
	}
	for i, id := range p.Progress.CompletedStepIDs {
		if p.Steps[i].ID != id {
			return false
		}
	}
	return true
}

// AdvanceStep marks the given step id completed and recomputes the
// remaining suffix, preserving original ordering.
func (p *Plan) AdvanceStep(stepID string) {
	p.Progress.CompletedStepIDs = append(p.Progress.CompletedStepIDs, stepID)
	p.Progress.CurrentStepToolCalls = nil

	remaining := make([]string, 0, len(p.Steps))
	completed := make(map[string]bool, len(p.Progress.CompletedStepIDs))
	for _, id := range p.Progress.CompletedStepIDs {
		completed[id] = true
	}
	for _, s := range p.Steps {
		if !completed[s.ID] {
			remaining = append(remaining, s.ID)
		}
	}
	p.Progress.RemainingStepIDs = remaining
	if len(remaining) > 0 {
		p.Progress.CurrentStepID = remaining[0]
	} else {
		p.Progress.CurrentStepID = ""
	}
}

// ReplaceSuffix atomically swaps the remaining steps after a re-plan
// decision, per spec.md §4.10.
func (p *Plan) ReplaceSuffix(newSteps []PlanStep) {
	completed := make(map[string]bool, len(p.Progress.CompletedStepIDs))
	for _, id := range p.Progress.CompletedStepIDs {
		completed[id] = true
	}
	kept := make([]PlanStep, 0, len(p.Steps))
	for _, s := range p.Steps {
		if completed[s.ID] {
			kept = append(kept, s)
		}
	}
	p.Steps = append(kept, newSteps...)

	remaining := make([]string, 0, len(newSteps))
	for _, s := range newSteps {
		remaining = append(remaining, s.ID)
	}
	p.Progress.RemainingStepIDs = remaining
	if len(remaining) > 0 {
		p.Progress.CurrentStepID = remaining[0]
	}
}
