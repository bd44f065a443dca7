package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cortexrt/assistant/internal/domain/entity"
)

// PlanDirective is a re-planning instruction produced when a step fails or
// a step's output contradicts the remaining plan (spec.md §4.10).
type PlanDirective string

const (
	DirectiveRefine         PlanDirective = "refine"
	DirectiveChangePath     PlanDirective = "change_path"
	DirectiveChangeApproach PlanDirective = "change_approach"
	DirectiveBreakSymmetry  PlanDirective = "break_symmetry"
)

// planStepDraft is the Planner LLM's raw per-step output: a sequence
// number (steps sharing a sequence run in parallel; different sequences
// run in order, with prior output injected) plus a falsifiable success
// criterion. Grounded on the `agentic-shell` planner's sequence-number
// idiom. Flattened into entity.PlanStep (which has no sequence/criteria
// fields, per spec.md §3) by folding the criterion into ExpectedOutput
// and using sequence purely to order the emitted slice.
type planStepDraft struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	SuccessCriteria      string   `json:"successCriteria"`
	Sequence             int      `json:"sequence"`
	ToolHints            []string `json:"toolHints"`
	RequiresExternalData bool     `json:"requiresExternalData"`
}

type plannerOutput struct {
	Approach     string          `json:"approach"`
	IsSimpleTask bool            `json:"isSimpleTask"`
	Steps        []planStepDraft `json:"steps"`
}

// Planner turns a recruited agent's custom prompt + restated request
// into an entity.Plan, and re-plans the remaining suffix on a directive.
// Grounded on `other_examples`'s agentic-shell planner.go (single
// structured-JSON-output prompt, sequence-grouped steps, falsifiable
// success criteria, re-planning via a directive object) and on the
// teacher's model_policy.go "use a stronger model for harder cases"
// idiom for picking the architect model tier on re-plan.
type Planner struct {
	client   LLMClient
	selector *ModelSelector
}

// NewPlanner builds the planner.
func NewPlanner(client LLMClient, selector *ModelSelector) *Planner {
	return &Planner{client: client, selector: selector}
}

// Plan produces the initial plan for a recruited agent.
func (p *Planner) Plan(ctx context.Context, customPrompt, restatedRequest string) (*entity.Plan, error) {
	sel := p.selector.Select(ctx, SelectionCriteria{ExplicitRole: RolePlanner, PromptLen: len(restatedRequest)})
	out, err := p.generate(ctx, sel.Model, p.systemPrompt(customPrompt), restatedRequest, nil)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	return toPlan(out), nil
}

// Replan regenerates the remaining suffix of a plan following a
// directive, optionally bumping to the architect model tier for
// change_approach/break_symmetry directives (the harder re-planning
// cases), mirroring the teacher's ResolveModelPolicy escalation idiom.
func (p *Planner) Replan(ctx context.Context, plan *entity.Plan, customPrompt string, directive PlanDirective, reason string) (*entity.Plan, error) {
	architect := directive == DirectiveChangeApproach || directive == DirectiveBreakSymmetry
	sel := p.selector.Select(ctx, SelectionCriteria{ExplicitRole: RolePlanner, ArchitectTask: architect})

	completedSummary := summarizeCompleted(plan)
	prompt := fmt.Sprintf(
		"Original approach: %s\n\nCompleted steps so far:\n%s\n\nRe-planning directive: %s\nReason: %s\n\n"+
			"Produce only the remaining steps (the completed ones above are final and must not be repeated).",
		plan.Approach, completedSummary, directive, reason,
	)

	out, err := p.generate(ctx, sel.Model, p.systemPrompt(customPrompt), prompt, nil)
	if err != nil {
		return nil, fmt.Errorf("planner: replan: %w", err)
	}

	steps := draftsToSteps(out.Steps)
	plan.ReplaceSuffix(steps)
	if out.Approach != "" {
		plan.Approach = out.Approach
	}
	return plan, nil
}

func (p *Planner) systemPrompt(customPrompt string) string {
	return fmt.Sprintf(
		"%s\n\nYou are planning a task as a sequence of steps. Respond with a single JSON object: "+
			"{\"approach\":string,\"isSimpleTask\":bool,\"steps\":[{\"id\":string,\"title\":string,"+
			"\"description\":string,\"successCriteria\":string,\"sequence\":int,\"toolHints\":[string],"+
			"\"requiresExternalData\":bool}]}. Steps sharing the same sequence number run in parallel; "+
			"steps with a higher sequence number run after all lower-sequence steps complete, and may "+
			"assume their output is available. Every successCriteria must be falsifiable — a concrete, "+
			"checkable condition, never a restatement of the step's intent.",
		customPrompt,
	)
}

func (p *Planner) generate(ctx context.Context, model, systemPrompt, userMessage string, priorOutputs map[string]string) (*plannerOutput, error) {
	resp, err := p.client.Generate(ctx, &LLMRequest{
		Model:       model,
		Temperature: 0.3,
		Messages: []LLMMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userMessage},
		},
	})
	if err != nil {
		return nil, err
	}

	raw, ok := firstJSONObjectText(resp.Content)
	if !ok {
		return nil, fmt.Errorf("planner: no JSON object in model output")
	}
	var out plannerOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("planner: invalid JSON: %w", err)
	}
	if len(out.Steps) == 0 {
		return nil, fmt.Errorf("planner: empty step list")
	}
	return &out, nil
}

// toPlan flattens a plannerOutput into a fresh entity.Plan, ordering
// steps by sequence number (ties keep LLM emission order, which is
// stable sort's guarantee).
func toPlan(out *plannerOutput) *entity.Plan {
	steps := draftsToSteps(out.Steps)
	remaining := make([]string, 0, len(steps))
	for _, s := range steps {
		remaining = append(remaining, s.ID)
	}
	plan := &entity.Plan{
		Approach:     out.Approach,
		IsSimpleTask: out.IsSimpleTask,
		Steps:        steps,
		Progress: entity.PlanProgress{
			RemainingStepIDs: remaining,
		},
	}
	if len(remaining) > 0 {
		plan.Progress.CurrentStepID = remaining[0]
	}
	return plan
}

func draftsToSteps(drafts []planStepDraft) []entity.PlanStep {
	sorted := make([]planStepDraft, len(drafts))
	copy(sorted, drafts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	steps := make([]entity.PlanStep, 0, len(sorted))
	for _, d := range sorted {
		expectedOutput := d.SuccessCriteria
		if expectedOutput == "" {
			expectedOutput = d.Description
		}
		steps = append(steps, entity.PlanStep{
			ID:                   d.ID,
			Title:                d.Title,
			Description:          d.Description,
			ExpectedOutput:       expectedOutput,
			ToolHints:            d.ToolHints,
			RequiresExternalData: d.RequiresExternalData,
		})
	}
	return steps
}

func summarizeCompleted(plan *entity.Plan) string {
	var sb strings.Builder
	for _, id := range plan.Progress.CompletedStepIDs {
		step, ok := plan.StepByID(id)
		if !ok {
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s: %s\n", step.Title, step.ExpectedOutput))
	}
	if sb.Len() == 0 {
		return "(none yet)"
	}
	return sb.String()
}
