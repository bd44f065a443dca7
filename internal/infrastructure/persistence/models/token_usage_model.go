package models

import "time"

// TokenUsageModel is the gorm-backed append-only record of one LLM call's
// token accounting (entity.TokenUsageRow), written by the Token Tracker.
type TokenUsageModel struct {
	ID          uint `gorm:"primaryKey;autoIncrement"`
	DeviceID    string `gorm:"index;size:64"`
	AgentID     string `gorm:"index;size:64"`
	Model       string `gorm:"size:128"`
	Role        string `gorm:"size:32"`
	InputTokens int64
	OutputTokens int64
	Timestamp   time.Time `gorm:"index"`
}

// TableName names the token_usage table.
func (TokenUsageModel) TableName() string {
	return "token_usage"
}
