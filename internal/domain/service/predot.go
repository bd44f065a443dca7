package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cortexrt/assistant/internal/domain/entity"
)

// PrincipleLoader reads the workspace's principle/rule documents. Backed
// by a filesystem reader in the infrastructure layer.
type PrincipleLoader interface {
	LoadPrinciples(ctx context.Context) ([]entity.PrincipleFile, error)
}

// PreDotPipeline runs the Loader/Tailor/Selector/Consolidator stages of
// spec.md §4.7, modeled after model_policy.go's resolution priority
// chain (defaults -> auto-detect -> override), here repurposed as
// (always-on -> trigger match -> complexity threshold -> consolidation).
type PreDotPipeline struct {
	loader PrincipleLoader
	client LLMClient
	model  string
}

// NewPreDotPipeline builds the pipeline.
func NewPreDotPipeline(loader PrincipleLoader, client LLMClient, model string) *PreDotPipeline {
	return &PreDotPipeline{loader: loader, client: client, model: model}
}

// Briefing is the final output handed to the Recruiter: a restated
// request, tailor metadata, and the assembled principle briefing text.
type Briefing struct {
	Tailor   entity.TailorResult
	Selected []entity.PrincipleFile
	Text     string
}

// Run executes the full pipeline for one incoming message.
func (p *PreDotPipeline) Run(ctx context.Context, message string, conversationHistory string) (*Briefing, error) {
	rules, principles, err := p.load(ctx)
	if err != nil {
		return nil, err
	}

	tailor, err := p.tailor(ctx, message, conversationHistory)
	if err != nil {
		return nil, err
	}
	tailor.ClampComplexity()

	selected := p.selectPrinciples(message, tailor.Complexity, rules, principles)

	text, err := p.consolidate(ctx, message, selected)
	if err != nil {
		text = p.assemble(selected)
	}

	return &Briefing{Tailor: *tailor, Selected: selected, Text: text}, nil
}

// load partitions the workspace's principle files into always-on rules
// and trigger/threshold-matched principles, per the Loader stage.
func (p *PreDotPipeline) load(ctx context.Context) (rules []entity.PrincipleFile, principles []entity.PrincipleFile, err error) {
	all, err := p.loader.LoadPrinciples(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range all {
		if f.IsRule() {
			rules = append(rules, f)
		} else {
			principles = append(principles, f)
		}
	}
	return rules, principles, nil
}

// tailor runs the one structured-output LLM call producing TailorResult.
func (p *PreDotPipeline) tailor(ctx context.Context, message, history string) (*entity.TailorResult, error) {
	prompt := fmt.Sprintf(
		"Conversation history:\n%s\n\nUser message:\n%s\n\nRespond with a single JSON object: "+
			"{\"restatedRequest\":string,\"complexity\":0-10,\"contextConfidence\":0-1,"+
			"\"relevantMemories\":[{\"name\":string,\"confidence\":number}],\"topicSegments\":[string],"+
			"\"skillSearchQuery\":string,\"skillFeedback\":string}",
		history, message,
	)
	resp, err := p.client.Generate(ctx, &LLMRequest{
		Model:       p.model,
		Temperature: 0.2,
		Messages:    []LLMMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	var result entity.TailorResult
	raw, ok := firstJSONObjectText(resp.Content)
	if !ok {
		return &entity.TailorResult{RestatedRequest: message, Complexity: 0}, nil
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return &entity.TailorResult{RestatedRequest: message, Complexity: 0}, nil
	}
	return &result, nil
}

// selectPrinciples implements the Selector stage: rules always included;
// principles selected when a trigger matches or complexity crosses the
// threshold (DESIGN.md Open Question #2).
func (p *PreDotPipeline) selectPrinciples(message string, complexity int, rules, principles []entity.PrincipleFile) []entity.PrincipleFile {
	selected := make([]entity.PrincipleFile, 0, len(rules)+len(principles))
	selected = append(selected, rules...)
	for _, pr := range principles {
		if pr.Selected(message, complexity) {
			selected = append(selected, pr)
		}
	}
	return selected
}

// consolidate merges more than two selected principles into one briefing
// via an LLM call, skipping straight to the assembler when there are ≤2
// (spec.md §4.7).
func (p *PreDotPipeline) consolidate(ctx context.Context, message string, selected []entity.PrincipleFile) (string, error) {
	if len(selected) <= 2 {
		return p.assemble(selected), nil
	}

	var sb strings.Builder
	for _, f := range selected {
		sb.WriteString(fmt.Sprintf("### %s\n%s\n\n", f.Summary, f.Body))
	}
	prompt := fmt.Sprintf(
		"Merge the following principle documents into one concise briefing for an "+
			"assistant about to act on this request: %q\n\n%s", message, sb.String(),
	)
	resp, err := p.client.Generate(ctx, &LLMRequest{
		Model:       p.model,
		Temperature: 0.2,
		Messages:    []LLMMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("predot: consolidation returned empty content")
	}
	return resp.Content, nil
}

// assemble is the fallback path (spec.md §4.7): concatenates the raw
// Body of every selected principle and rule, separated by blank lines.
// It produces no tailored directives.
func (p *PreDotPipeline) assemble(selected []entity.PrincipleFile) string {
	var sb strings.Builder
	for _, f := range selected {
		sb.WriteString(f.Body)
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}

// firstJSONObjectText returns the first balanced {...} substring found in
// text, mirroring the Intake service's tolerant parsing idiom.
func firstJSONObjectText(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
