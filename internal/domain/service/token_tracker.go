package service

import (
	"context"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"github.com/cortexrt/assistant/pkg/safego"
	"go.uber.org/zap"
)

// TokenSink persists a token usage row. Implemented by the persistence
// layer (gorm-backed); kept as a narrow interface here so the resilient
// client doesn't depend on the storage stack.
type TokenSink interface {
	RecordTokenUsage(ctx context.Context, row entity.TokenUsageRow) error
}

// TokenTracker records every LLM call's usage fire-and-forget, per
// spec.md §4.2 ("Records every call's ... through the token tracker,
// fire-and-forget"), using the teacher's safego.Go panic-safe goroutine
// wrapper rather than a plain `go func()`.
type TokenTracker struct {
	sink   TokenSink
	logger *zap.Logger
}

// NewTokenTracker builds a tracker. sink may be nil, in which case
// Record is a no-op — useful in tests and CLI mode where no database is
// configured.
func NewTokenTracker(sink TokenSink, logger *zap.Logger) *TokenTracker {
	return &TokenTracker{sink: sink, logger: logger}
}

// Record fires off a background write of the usage row and returns
// immediately.
func (t *TokenTracker) Record(row entity.TokenUsageRow) {
	if t.sink == nil {
		return
	}
	safego.Go(t.logger, "token-tracker-record", func() {
		if err := t.sink.RecordTokenUsage(context.Background(), row); err != nil {
			t.logger.Warn("token usage record failed", zap.Error(err))
		}
	})
}
