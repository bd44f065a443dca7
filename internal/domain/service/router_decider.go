package service

import (
	"context"
	"fmt"
	"strings"
)

// RouterTemplate renders the candidate summaries and the new message into
// the router LLM's prompt, mirroring IntakeTemplate's swappable-func shape.
type RouterTemplate func(candidates []RoutingCandidate, message string) string

const defaultRouterTemplate = `In-flight agents for this device:
%s

New message:
%s

Decide whether this message should start a new agent (NEW, handled by the
caller directly), modify one of the agents above (MODIFY), queue behind one
(QUEUE), or stop one (STOP). Respond with a single JSON object only:
{"decision": "new"|"modify"|"queue"|"stop", "targetAgentId": "..."}`

// DefaultRouterTemplate is the fallback rendering used when no workspace
// template override is configured.
func DefaultRouterTemplate(candidates []RoutingCandidate, message string) string {
	var sb strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&sb, "- %s [%s] step=%s — %s\n", c.AgentID, c.Status, c.PlanProgress.CurrentStepID, c.PersonaSummary)
	}
	if sb.Len() == 0 {
		sb.WriteString("(none)")
	}
	return fmt.Sprintf(defaultRouterTemplate, sb.String(), message)
}

// LLMRouterDecider implements RouterDecisionMaker with the single LLM call
// spec.md §4.8 describes, grounded on IntakeService's single-shot
// JSON-parsing idiom (intake.go) rather than inventing a new one.
type LLMRouterDecider struct {
	client   LLMClient
	model    string
	template RouterTemplate
}

// NewLLMRouterDecider builds the decider. template may be nil to use
// DefaultRouterTemplate.
func NewLLMRouterDecider(client LLMClient, model string, template RouterTemplate) *LLMRouterDecider {
	if template == nil {
		template = DefaultRouterTemplate
	}
	return &LLMRouterDecider{client: client, model: model, template: template}
}

var _ RouterDecisionMaker = (*LLMRouterDecider)(nil)

// Decide implements RouterDecisionMaker. An unparsable response degrades to
// DecisionNew — the safe default of treating the message as a fresh
// request rather than silently dropping it or guessing a target agent.
func (d *LLMRouterDecider) Decide(ctx context.Context, candidates []RoutingCandidate, message string) (RoutingDecision, string, error) {
	prompt := d.template(candidates, message)

	resp, err := d.client.Generate(ctx, &LLMRequest{
		Model:       d.model,
		Temperature: 0.1,
		Messages: []LLMMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return DecisionNew, "", err
	}

	_, rawKeys := parseFirstJSONObject(resp.Content)
	if rawKeys == nil {
		return DecisionNew, "", nil
	}

	decision := DecisionNew
	if s, ok := rawKeys["decision"].(string); ok {
		switch RoutingDecision(s) {
		case DecisionNew, DecisionModify, DecisionQueue, DecisionStop:
			decision = RoutingDecision(s)
		}
	}
	targetID, _ := rawKeys["targetAgentId"].(string)
	return decision, targetID, nil
}
