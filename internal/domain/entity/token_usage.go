package entity

import "time"

// TokenUsageRow is one append-only accounting record written after every
// LLM call, per spec.md §3/§4.16 (feeds budget enforcement and per-device
// cost reporting).
type TokenUsageRow struct {
	DeviceID     string    `json:"deviceId"`
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	Role         string    `json:"role"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	AgentID      string    `json:"agentId,omitempty"`
}

// TotalTokens sums input and output tokens for budget accounting.
func (r TokenUsageRow) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens
}
