package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cortexrt/assistant/internal/domain/entity"
)

// PersonaCatalog exposes the available personas/councils in compact,
// prompt-sized form for the Recruiter's picker pass, and full bodies for
// the writer pass.
type PersonaCatalog interface {
	CompactPersonaSummaries(ctx context.Context) ([]string, error)
	CompactCouncilSummaries(ctx context.Context) ([]string, error)
	PersonaBody(ctx context.Context, id string) (string, error)
	CompactToolCatalog(ctx context.Context) ([]string, error)
}

// RecruiterOutput is the Recruiter's final result, written into a fresh
// entity.AgentPersonaFile by the caller.
type RecruiterOutput struct {
	CustomPrompt     string
	SelectedPersonas []entity.PersonaSelection
	Council          string
	Tools            []string
	ModelRole        ModelRole
}

// Recruiter runs the two-pass persona selection + prompt/tool assembly
// described in spec.md §4.9. Grounded on the `agentic-shell` planner's
// single structured-JSON-output system prompt idiom (picker/writer split)
// and on the teacher's `RegisterAllTools`/`ToolLayerDeps` filtering
// pattern, here applied per-agent instead of globally.
type Recruiter struct {
	client  LLMClient
	model   string
	catalog PersonaCatalog
}

// NewRecruiter builds the recruiter.
func NewRecruiter(client LLMClient, model string, catalog PersonaCatalog) *Recruiter {
	return &Recruiter{client: client, model: model, catalog: catalog}
}

type pickerOutput struct {
	SelectedPersonas []entity.PersonaSelection `json:"selectedPersonas"`
	Council          string                    `json:"council,omitempty"`
}

type writerOutput struct {
	CustomPrompt string   `json:"customPrompt"`
	Tools        []string `json:"tools"`
	ModelRole    string   `json:"modelRole"`
}

// Run executes both passes and returns the assembled output.
func (r *Recruiter) Run(ctx context.Context, restatedRequest, intakeBriefing string) (*RecruiterOutput, error) {
	picked, err := r.pick(ctx, restatedRequest, intakeBriefing)
	if err != nil {
		return nil, fmt.Errorf("recruiter picker pass: %w", err)
	}

	written, err := r.write(ctx, restatedRequest, intakeBriefing, picked)
	if err != nil {
		return nil, fmt.Errorf("recruiter writer pass: %w", err)
	}

	return &RecruiterOutput{
		CustomPrompt:     written.CustomPrompt,
		SelectedPersonas: picked.SelectedPersonas,
		Council:          picked.Council,
		Tools:            written.Tools,
		ModelRole:        ModelRole(written.ModelRole),
	}, nil
}

func (r *Recruiter) pick(ctx context.Context, restatedRequest, intakeBriefing string) (*pickerOutput, error) {
	personas, err := r.catalog.CompactPersonaSummaries(ctx)
	if err != nil {
		return nil, err
	}
	councils, err := r.catalog.CompactCouncilSummaries(ctx)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(
		"Restated request: %s\n\nIntake briefing:\n%s\n\nAvailable personas:\n%s\n\nAvailable councils:\n%s\n\n"+
			"Respond with a single JSON object: {\"selectedPersonas\":[{\"id\":string,\"reason\":string}],\"council\":string}",
		restatedRequest, intakeBriefing, joinLines(personas), joinLines(councils),
	)

	resp, err := r.client.Generate(ctx, &LLMRequest{
		Model:       r.model,
		Temperature: 0.2,
		Messages:    []LLMMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	raw, ok := firstJSONObjectText(resp.Content)
	if !ok {
		return &pickerOutput{}, nil
	}
	var out pickerOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return &pickerOutput{}, nil
	}
	return &out, nil
}

func (r *Recruiter) write(ctx context.Context, restatedRequest, intakeBriefing string, picked *pickerOutput) (*writerOutput, error) {
	var bodies string
	for _, sel := range picked.SelectedPersonas {
		body, err := r.catalog.PersonaBody(ctx, sel.ID)
		if err != nil {
			continue
		}
		bodies += fmt.Sprintf("### %s (%s)\n%s\n\n", sel.ID, sel.Reason, body)
	}

	toolCatalog, err := r.catalog.CompactToolCatalog(ctx)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(
		"Restated request: %s\n\nIntake briefing:\n%s\n\nSelected persona bodies:\n%s\n\nTool catalog:\n%s\n\n"+
			"Compose a single customPrompt combining these personas, select a tools subset from the catalog, "+
			"and pick a modelRole. Respond with a single JSON object: "+
			"{\"customPrompt\":string,\"tools\":[string],\"modelRole\":string}",
		restatedRequest, intakeBriefing, bodies, joinLines(toolCatalog),
	)

	resp, err := r.client.Generate(ctx, &LLMRequest{
		Model:       r.model,
		Temperature: 0.2,
		Messages:    []LLMMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	raw, ok := firstJSONObjectText(resp.Content)
	if !ok {
		return &writerOutput{CustomPrompt: bodies, ModelRole: string(RoleStep)}, nil
	}
	var out writerOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return &writerOutput{CustomPrompt: bodies, ModelRole: string(RoleStep)}, nil
	}
	if out.ModelRole == "" {
		out.ModelRole = string(RoleStep)
	}
	return &out, nil
}

func joinLines(lines []string) string {
	var out string
	for _, l := range lines {
		out += "- " + l + "\n"
	}
	return out
}
