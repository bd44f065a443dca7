package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"github.com/cortexrt/assistant/internal/domain/service"
	"go.uber.org/zap"
)

// Compaction thresholds
const (
	// CompactMessageThreshold triggers compaction when history exceeds this count
	CompactMessageThreshold = 30
	// CompactTokenEstimate rough chars-per-token estimate
	CompactTokenEstimate = 4
	// CompactTokenThreshold triggers compaction when estimated tokens exceed this
	CompactTokenThreshold = 30000
	// CompactKeepRecent number of recent messages to keep verbatim
	CompactKeepRecent = 10
	// CompactSummaryMaxTokens max tokens for summary generation
	CompactSummaryMaxTokens = 1000
)

// MemoryFlusher flushes key facts to the vector memory store before
// older conversation entries are discarded.
type MemoryFlusher interface {
	FlushToMemory(ctx context.Context, content string, metadata map[string]interface{}) error
}

// Compactor compresses a task's persisted conversation log
// (entity.ConversationEntry, task.json's durable history) by summarizing
// older turns and keeping only recent ones verbatim, before it is
// rehydrated into []service.LLMMessage history for a resumed agent run.
// Reused from the teacher's compaction.ts-derived Compactor, rebased off
// entity.ConversationEntry (the new domain's conversation shape) and
// service.LLMClient instead of the deleted AIServiceClient/AIRequest
// types.
type Compactor struct {
	llm           service.LLMClient
	memoryFlusher MemoryFlusher
	logger        *zap.Logger
}

// NewCompactor creates a new compactor.
func NewCompactor(llm service.LLMClient, logger *zap.Logger) *Compactor {
	return &Compactor{llm: llm, logger: logger}
}

// SetMemoryFlusher injects an optional memory flusher.
func (c *Compactor) SetMemoryFlusher(flusher MemoryFlusher) {
	c.memoryFlusher = flusher
}

// CompactResult holds the result of a compaction.
type CompactResult struct {
	Summary        string
	RecentEntries  []entity.ConversationEntry
	WasCompacted   bool
	CompactedCount int
}

// CompactIfNeeded checks if history needs compaction and performs it.
func (c *Compactor) CompactIfNeeded(ctx context.Context, history []entity.ConversationEntry, model string) (*CompactResult, error) {
	result := &CompactResult{RecentEntries: history}

	if len(history) <= CompactMessageThreshold && c.estimateTokens(history) <= CompactTokenThreshold {
		return result, nil
	}

	c.logger.Info("Compaction triggered",
		zap.Int("message_count", len(history)),
		zap.Int("estimated_tokens", c.estimateTokens(history)),
	)

	return c.doCompact(ctx, history, model)
}

// ForceCompact performs compaction regardless of thresholds.
func (c *Compactor) ForceCompact(ctx context.Context, history []entity.ConversationEntry, model string) (*CompactResult, error) {
	if len(history) <= CompactKeepRecent {
		return &CompactResult{RecentEntries: history}, nil
	}
	return c.doCompact(ctx, history, model)
}

func (c *Compactor) doCompact(ctx context.Context, history []entity.ConversationEntry, model string) (*CompactResult, error) {
	splitIndex := len(history) - CompactKeepRecent
	if splitIndex < 1 {
		splitIndex = 1
	}

	oldEntries := history[:splitIndex]
	recentEntries := history[splitIndex:]

	if c.memoryFlusher != nil {
		c.preFlushToMemory(ctx, oldEntries)
	}

	summaryPrompt := c.buildSummaryPrompt(oldEntries)

	resp, err := c.llm.Generate(ctx, &service.LLMRequest{
		Model:       model,
		MaxTokens:   CompactSummaryMaxTokens,
		Temperature: 0.2,
		Messages:    []service.LLMMessage{{Role: "user", Content: summaryPrompt}},
	})
	if err != nil {
		c.logger.Error("Failed to generate compaction summary", zap.Error(err))
		return &CompactResult{
			RecentEntries:  recentEntries,
			WasCompacted:   true,
			CompactedCount: len(oldEntries),
		}, nil
	}

	c.logger.Info("Compaction complete",
		zap.Int("compacted", len(oldEntries)),
		zap.Int("kept", len(recentEntries)),
		zap.Int("summary_len", len(resp.Content)),
	)

	return &CompactResult{
		Summary:        resp.Content,
		RecentEntries:  recentEntries,
		WasCompacted:   true,
		CompactedCount: len(oldEntries),
	}, nil
}

// ToHistory renders the compaction result as LLMMessage history: an
// optional synthetic system message carrying the summary, followed by
// the verbatim recent entries.
func (r *CompactResult) ToHistory() []service.LLMMessage {
	history := make([]service.LLMMessage, 0, len(r.RecentEntries)+1)
	if r.Summary != "" {
		history = append(history, service.LLMMessage{
			Role:    "system",
			Content: fmt.Sprintf("Summary of earlier conversation:\n%s", r.Summary),
		})
	}
	for _, e := range r.RecentEntries {
		history = append(history, service.LLMMessage{Role: e.Role, Content: e.Content})
	}
	return history
}

func (c *Compactor) buildSummaryPrompt(entries []entity.ConversationEntry) string {
	var sb strings.Builder
	sb.WriteString("Please provide a concise summary of the following conversation. ")
	sb.WriteString("Focus on key topics, decisions, and context that would be important ")
	sb.WriteString("for continuing the conversation. Keep the summary under 500 words.\n\n")
	sb.WriteString("=== Conversation History ===\n\n")

	for _, e := range entries {
		role := "User"
		if e.Role == "assistant" {
			role = "Assistant"
		}
		text := e.Content
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		sb.WriteString(fmt.Sprintf("[%s]: %s\n\n", role, text))
	}

	sb.WriteString("=== End of Conversation ===\n\n")
	sb.WriteString("Summary:")
	return sb.String()
}

func (c *Compactor) estimateTokens(entries []entity.ConversationEntry) int {
	total := 0
	for _, e := range entries {
		total += len(e.Content) / CompactTokenEstimate
	}
	return total
}

func (c *Compactor) preFlushToMemory(ctx context.Context, entries []entity.ConversationEntry) {
	flushed := 0
	for _, e := range entries {
		if e.Role != "assistant" {
			continue
		}
		text := e.Content
		if len(text) < 50 {
			continue
		}
		if len(text) > 2000 {
			text = text[:2000]
		}

		metadata := map[string]interface{}{
			"source":    "compaction_flush",
			"timestamp": e.At.Unix(),
		}

		if err := c.memoryFlusher.FlushToMemory(ctx, text, metadata); err != nil {
			c.logger.Warn("Failed to flush conversation entry to memory", zap.Error(err))
			continue
		}
		flushed++
	}

	if flushed > 0 {
		c.logger.Info("Pre-compaction memory flush complete", zap.Int("flushed_count", flushed))
	}
}
