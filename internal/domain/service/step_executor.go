package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cortexrt/assistant/internal/domain/entity"
	domaintool "github.com/cortexrt/assistant/internal/domain/tool"
	"go.uber.org/zap"
)

// PlanStore persists a plan's mutable progress back to the agent's
// workspace (plan.json), per spec.md §4.11.
type PlanStore interface {
	SavePlan(ctx context.Context, agentID string, plan *entity.Plan) error
}

// StepLogWriter writes a step's final output to the workspace
// (logs/{stepId}-output.md).
type StepLogWriter interface {
	WriteStepOutput(ctx context.Context, agentID, stepID, content string) error
}

// WorkspaceBriefer renders a shallow tree of the agent's workspace for
// inclusion in the step's user message.
type WorkspaceBriefer interface {
	Tree(ctx context.Context, agentID string, depth int) (string, error)
}

// signalPrefix marks a synthetic meta-tool's Output (registry.go's
// syntheticTool), letting the Step-Executor recognize escalate/
// wait_for_user/request_tools/request_research without depending on
// entity.ToolCallEvent carrying metadata (it doesn't — only Output/
// Display/Success).
const signalPrefix = "signal:"

// StepOutcome is what the Step-Executor reports back to its caller (the
// application orchestrator) once a step finishes or is interrupted by a
// synthetic signal.
type StepOutcome struct {
	Result entity.StepResult
	Signal string // non-empty when a synthetic meta-tool fired (escalate, wait_for_user, request_tools, request_research)
	Args   map[string]interface{}
}

// StepExecutor runs one plan step through the Tool-loop Runtime (4.4),
// scoped to the step's tool subset, and persists its progress and output
// to the workspace. Grounded on the teacher's AgentEvent/StepInfo event
// shape (internal/domain/entity/agent_event.go) for the ToolCallEntry log
// format, and on agent_adapters.go's ToolExecutorAdapter for scoping the
// registry to a step's allowed tools via Policy.AllowList.
type StepExecutor struct {
	loop     *AgentLoop
	registry domaintool.Registry
	planStore PlanStore
	logWriter StepLogWriter
	briefer   WorkspaceBriefer
	logger    *zap.Logger
}

// NewStepExecutor builds the executor.
func NewStepExecutor(loop *AgentLoop, registry domaintool.Registry, planStore PlanStore, logWriter StepLogWriter, briefer WorkspaceBriefer, logger *zap.Logger) *StepExecutor {
	return &StepExecutor{
		loop:      loop,
		registry:  registry,
		planStore: planStore,
		logWriter: logWriter,
		briefer:   briefer,
		logger:    logger,
	}
}

// Run executes plan.Progress.CurrentStepID and advances the plan on
// success. On a synthetic signal, the plan is left untouched (the signal
// is mid-step) and the caller decides whether to re-plan, wait, or widen
// the tool subset before resuming.
func (e *StepExecutor) Run(ctx context.Context, agentID, customPrompt string, plan *entity.Plan) (*StepOutcome, error) {
	step, ok := plan.StepByID(plan.Progress.CurrentStepID)
	if !ok {
		return nil, fmt.Errorf("step-executor: unknown current step %q", plan.Progress.CurrentStepID)
	}

	briefing, err := e.brief(ctx, agentID, step, plan)
	if err != nil {
		return nil, fmt.Errorf("step-executor: brief: %w", err)
	}

	allow := append([]string{}, step.ToolHints...)
	allow = append(allow, "escalate", "wait_for_user", "request_tools", "request_research")
	scoped := NewToolExecutorAdapter(e.registry, &domaintool.Policy{AllowList: allow}, e.logger)

	loopAdapter := *e.loop
	loopAdapter.tools = scoped

	result, eventCh := (&loopAdapter).Run(WithAgentID(ctx, agentID), customPrompt, briefing, nil, "")

	var calls []entity.ToolCallEntry
	var signal string
	var signalArgs map[string]interface{}
	for ev := range eventCh {
		if ev.Type != entity.EventToolCall || ev.ToolCall == nil {
			continue
		}
		entry := entity.ToolCallEntry{
			ToolID:        ev.ToolCall.Name,
			Timestamp:     time.Now(),
			Success:       ev.ToolCall.Success,
			ResultSnippet: entity.TruncateSnippet(ev.ToolCall.Output),
		}
		calls = append(calls, entry)

		if sig, ok := strings.CutPrefix(ev.ToolCall.Output, signalPrefix); ok {
			signal = sig
			signalArgs = ev.ToolCall.Arguments
		}
	}

	plan.Progress.CurrentStepToolCalls = append(plan.Progress.CurrentStepToolCalls, calls...)

	stepResult := entity.StepResult{
		Step:          step.ID,
		Success:       signal == "" && result.FinalContent != "",
		Output:        result.FinalContent,
		Iterations:    result.TotalSteps,
		ToolCallsMade: calls,
	}

	if signal != "" {
		stepResult.Success = false
		stepResult.Escalated = signal == "escalate"
		stepResult.EscalationReason = fmt.Sprintf("%v", signalArgs["reason"])
		if err := e.planStore.SavePlan(ctx, agentID, plan); err != nil {
			return nil, fmt.Errorf("step-executor: save plan on signal: %w", err)
		}
		return &StepOutcome{Result: stepResult, Signal: signal, Args: signalArgs}, nil
	}

	if err := e.logWriter.WriteStepOutput(ctx, agentID, step.ID, result.FinalContent); err != nil {
		return nil, fmt.Errorf("step-executor: write step output: %w", err)
	}

	plan.AdvanceStep(step.ID)
	if err := e.planStore.SavePlan(ctx, agentID, plan); err != nil {
		return nil, fmt.Errorf("step-executor: save plan: %w", err)
	}

	return &StepOutcome{Result: stepResult}, nil
}

// brief composes the step's user message: workspace tree, step metadata,
// prior completed summaries, and the remaining step list, per spec.md
// §4.11.
func (e *StepExecutor) brief(ctx context.Context, agentID string, step *entity.PlanStep, plan *entity.Plan) (string, error) {
	tree, err := e.briefer.Tree(ctx, agentID, 2)
	if err != nil {
		tree = "(workspace tree unavailable)"
	}

	var sb strings.Builder
	sb.WriteString("Workspace:\n")
	sb.WriteString(tree)
	sb.WriteString("\n\nCurrent step: ")
	sb.WriteString(step.Title)
	sb.WriteString("\n")
	sb.WriteString(step.Description)
	sb.WriteString("\nExpected output: ")
	sb.WriteString(step.ExpectedOutput)

	if len(plan.Progress.CompletedStepIDs) > 0 {
		sb.WriteString("\n\nCompleted so far:\n")
		sb.WriteString(summarizeCompleted(plan))
	}

	if len(plan.Progress.RemainingStepIDs) > 1 {
		sb.WriteString("\n\nRemaining after this step:\n")
		for _, id := range plan.Progress.RemainingStepIDs[1:] {
			if s, ok := plan.StepByID(id); ok {
				sb.WriteString("- " + s.Title + "\n")
			}
		}
	}

	return sb.String(), nil
}
