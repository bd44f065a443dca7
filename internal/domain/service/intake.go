package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cortexrt/assistant/internal/domain/entity"
)

// IntakeInputs are the fields the intake prompt template is rendered
// with (spec.md §4.6): {Identity, Conversation History, Memory Models,
// User Message}.
type IntakeInputs struct {
	Identity            string
	ConversationHistory string
	MemoryModels        string
	UserMessage         string
}

// IntakeTemplate renders IntakeInputs into the final prompt text sent to
// the model. Kept as a swappable func so the actual prompt template file
// (loaded from the workspace, per spec.md) stays outside this package.
type IntakeTemplate func(IntakeInputs) string

const defaultIntakeTemplate = `Identity:
%s

Conversation History:
%s

Memory Models:
%s

User Message:
%s

Classify the user message. Respond with a single JSON object only.`

// DefaultIntakeTemplate is the fallback rendering used when no workspace
// template override is configured.
func DefaultIntakeTemplate(in IntakeInputs) string {
	return fmt.Sprintf(defaultIntakeTemplate, in.Identity, in.ConversationHistory, in.MemoryModels, in.UserMessage)
}

// IntakeService runs the single-LLM-call classification pass described in
// spec.md §4.6, grounded on the teacher's AgentLoopConfig single-shot
// JSON-parsing idiom (best-effort unmarshal, safe default on failure)
// reused from agent_loop.go's response handling.
type IntakeService struct {
	client   LLMClient
	model    string
	template IntakeTemplate
}

// NewIntakeService builds the service. template may be nil to use
// DefaultIntakeTemplate.
func NewIntakeService(client LLMClient, model string, template IntakeTemplate) *IntakeService {
	if template == nil {
		template = DefaultIntakeTemplate
	}
	return &IntakeService{client: client, model: model, template: template}
}

// Classify runs the intake pass. It tolerates missing fields in the
// model's JSON output and never returns an error for a malformed
// response — instead it returns the {error, raw} fallback shape per
// spec.md §4.6, leaving the pipeline free to continue degraded.
func (s *IntakeService) Classify(ctx context.Context, in IntakeInputs) (*entity.IntakeResult, error) {
	prompt := s.template(in)

	resp, err := s.client.Generate(ctx, &LLMRequest{
		Model:       s.model,
		Temperature: 0.1,
		Messages: []LLMMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, err
	}

	result, rawKeys := parseFirstJSONObject(resp.Content)
	if result == nil {
		raw := resp.Content
		if len(raw) > 500 {
			raw = raw[:500]
		}
		return &entity.IntakeResult{Error: "failed to parse intake JSON", Raw: raw}, nil
	}

	out := &entity.IntakeResult{Extra: map[string]interface{}{}}
	for k, v := range rawKeys {
		switch k {
		case "classification":
			if s, ok := v.(string); ok {
				out.Classification = entity.IntakeClassification(s)
			}
		case "contextConfidence":
			if f, ok := v.(float64); ok {
				out.ContextConfidence = f
			}
		case "automatabilityScore":
			if f, ok := v.(float64); ok {
				out.AutomatabilityScore = f
			}
		case "restatedRequest":
			if s, ok := v.(string); ok {
				out.RestatedRequest = s
			}
		case "relevantMemories":
			out.RelevantMemories = parseMemoryMatches(v)
		default:
			out.Extra[k] = v
		}
	}
	return out, nil
}

func parseMemoryMatches(v interface{}) []entity.MemoryMatch {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	matches := make([]entity.MemoryMatch, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		var match entity.MemoryMatch
		if name, ok := m["name"].(string); ok {
			match.Name = name
		}
		if conf, ok := m["confidence"].(float64); ok {
			match.Confidence = conf
		}
		matches = append(matches, match)
	}
	return matches
}

// parseFirstJSONObject scans text for the first balanced {...} object and
// unmarshals it into a generic map, tolerating leading/trailing prose the
// model may emit around the JSON.
func parseFirstJSONObject(text string) (interface{}, map[string]interface{}) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, nil
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				var m map[string]interface{}
				if err := json.Unmarshal([]byte(candidate), &m); err != nil {
					return nil, nil
				}
				return m, m
			}
		}
	}
	return nil, nil
}
