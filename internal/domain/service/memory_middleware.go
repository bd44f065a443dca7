package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryPersister is the interface for persisting extracted memory facts.
// This decouples the middleware from the infrastructure/workspace package
// (avoids an import cycle: workspace depends on entity, not on service).
type MemoryPersister interface {
	SaveFact(agentID, content, category string, confidence float64, source string) error
	IsDuplicate(agentID, content string) bool
}

// MemoryMiddleware extracts facts from conversation endings and persists
// them to the agent's workspace (memory.json) after a debounce period,
// so a follow-on task spawned for the same device inherits what was
// learned rather than starting from a blank persona every time.
type MemoryMiddleware struct {
	NoOpMiddleware
	llm       LLMClient
	persister MemoryPersister
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string][]conversationPair
	timers  map[string]*time.Timer

	debounce time.Duration
}

type conversationPair struct {
	User      string
	Assistant string
}

// NewMemoryMiddleware creates the memory extraction middleware.
func NewMemoryMiddleware(llm LLMClient, persister MemoryPersister, logger *zap.Logger) *MemoryMiddleware {
	return &MemoryMiddleware{
		llm:       llm,
		persister: persister,
		logger:    logger,
		pending:   make(map[string][]conversationPair),
		timers:    make(map[string]*time.Timer),
		debounce:  30 * time.Second,
	}
}

func (m *MemoryMiddleware) Name() string { return "memory_extraction" }

// AfterModel queues the user+assistant pair for debounced background
// extraction once the agent has produced a final response (no tool calls).
func (m *MemoryMiddleware) AfterModel(ctx context.Context, resp *LLMResponse, step int) *LLMResponse {
	if len(resp.ToolCalls) > 0 || resp.Content == "" {
		return resp
	}
	if step <= 1 {
		return resp
	}

	agentID, ok := AgentIDFromContext(ctx)
	if !ok || agentID == "" {
		return resp
	}
	userMsg, ok := UserMessageFromContext(ctx)
	if !ok || userMsg == "" {
		return resp
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending[agentID] = append(m.pending[agentID], conversationPair{
		User:      userMsg,
		Assistant: resp.Content,
	})

	if t, ok := m.timers[agentID]; ok {
		t.Stop()
	}
	m.timers[agentID] = time.AfterFunc(m.debounce, func() {
		m.flush(agentID)
	})

	return resp
}

func (m *MemoryMiddleware) flush(agentID string) {
	m.mu.Lock()
	pairs := m.pending[agentID]
	delete(m.pending, agentID)
	delete(m.timers, agentID)
	m.mu.Unlock()

	if len(pairs) == 0 {
		return
	}

	var sb strings.Builder
	for _, p := range pairs {
		sb.WriteString("User: " + p.User + "\n")
		sb.WriteString("Assistant: " + p.Assistant + "\n\n")
	}

	m.logger.Info("memory extraction triggered", zap.String("agent", agentID), zap.Int("pairs", len(pairs)))

	extractPrompt := `Analyze the following conversation and extract important facts worth remembering.
Focus on: user preferences, environment details, project decisions, corrections, behavior patterns, goals.
Output ONLY facts as bullet points starting with "- ". If nothing worth remembering, output "NONE".

Conversation:
` + sb.String()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	resp, err := m.llm.Generate(ctx, &LLMRequest{
		Messages:    []LLMMessage{{Role: "user", Content: extractPrompt}},
		MaxTokens:   500,
		Temperature: 0.2,
	})
	if err != nil {
		m.logger.Debug("memory extraction LLM call failed", zap.Error(err))
		return
	}
	if resp.Content == "" || strings.TrimSpace(resp.Content) == "NONE" {
		return
	}

	var saved int
	for _, line := range strings.Split(resp.Content, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		line = strings.TrimPrefix(line, "• ")
		line = strings.TrimSpace(line)
		if line == "" || len(line) < 5 || strings.EqualFold(line, "NONE") {
			continue
		}
		if m.persister.IsDuplicate(agentID, line) {
			continue
		}
		if err := m.persister.SaveFact(agentID, line, "knowledge", 0.7, "agent"); err != nil {
			m.logger.Debug("failed to save extracted memory", zap.Error(err))
			continue
		}
		saved++
	}

	if saved > 0 {
		m.logger.Info("memory extraction completed", zap.String("agent", agentID), zap.Int("facts_saved", saved))
	}
}

// --- Context keys ---

type agentIDKey struct{}
type userMessageKey struct{}

// WithAgentID stores the running agent's id in context, so middleware and
// hooks that only see (ctx, ...) can key their own per-agent state.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentIDFromContext retrieves the agent id stored by WithAgentID.
func AgentIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(agentIDKey{}).(string)
	return v, ok
}

// WithUserMessage stores the current user message in context for
// MemoryMiddleware.
func WithUserMessage(ctx context.Context, msg string) context.Context {
	return context.WithValue(ctx, userMessageKey{}, msg)
}

// UserMessageFromContext retrieves the message stored by WithUserMessage.
func UserMessageFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userMessageKey{}).(string)
	return v, ok
}

var _ Middleware = (*MemoryMiddleware)(nil)
