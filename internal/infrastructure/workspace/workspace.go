// Package workspace persists an agent's on-device-shaped working state
// (task.json, persona.json, plan.json, logs/) to the gateway's local
// filesystem, grounded on the teacher's PromptEngine filesystem-discovery
// idiom (internal/infrastructure/prompt/prompt_engine.go: layered
// directories under a root, read/written with plain os/encoding-json
// rather than a database) generalized from prompt components to the
// per-agent workspace layout spec.md §6 names.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"go.uber.org/zap"
)

// Store is a filesystem-backed implementation of service.PlanStore,
// service.StepLogWriter, and service.WorkspaceBriefer, plus task/persona
// persistence the application orchestrator needs but the domain layer
// doesn't declare an interface for (it reads/writes its own structs).
//
// Layout, per spec.md §6:
//
//	{root}/{agentId}/task.json
//	{root}/{agentId}/persona.json
//	{root}/{agentId}/plan.json
//	{root}/{agentId}/intake_knowledge.md
//	{root}/{agentId}/persona_requests.json
//	{root}/{agentId}/research/
//	{root}/{agentId}/output/
//	{root}/{agentId}/logs/{stepId}-output.md
//	{root}/{agentId}/logs/tool-calls.jsonl
type Store struct {
	root   string
	logger *zap.Logger

	memMu sync.Mutex // serializes memory.json read-modify-write across concurrent facts for one agent
}

// NewStore builds a workspace store rooted at root (expected to be
// ~/.bot/agent-workspaces, resolved by the caller).
func NewStore(root string, logger *zap.Logger) *Store {
	return &Store{root: root, logger: logger}
}

func (s *Store) agentDir(agentID string) string {
	return filepath.Join(s.root, agentID)
}

// Root returns the store's root directory, for callers that need to
// derive sibling paths (e.g. per-device scratch space for tool results).
func (s *Store) Root() string {
	return s.root
}

// Ensure creates the agent's workspace skeleton (research/, output/, logs/).
func (s *Store) Ensure(agentID string) error {
	dir := s.agentDir(agentID)
	for _, sub := range []string{"", "research", "output", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("workspace: create %s: %w", sub, err)
		}
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SavePlan implements service.PlanStore.
func (s *Store) SavePlan(ctx context.Context, agentID string, plan *entity.Plan) error {
	if err := s.Ensure(agentID); err != nil {
		return err
	}
	return writeJSON(filepath.Join(s.agentDir(agentID), "plan.json"), plan)
}

// LoadPlan reads back plan.json, used when an orchestrator resumes an
// in-flight agent after a restart.
func (s *Store) LoadPlan(ctx context.Context, agentID string) (*entity.Plan, error) {
	var plan entity.Plan
	if err := readJSON(filepath.Join(s.agentDir(agentID), "plan.json"), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// WriteStepOutput implements service.StepLogWriter.
func (s *Store) WriteStepOutput(ctx context.Context, agentID, stepID, content string) error {
	if err := s.Ensure(agentID); err != nil {
		return err
	}
	path := filepath.Join(s.agentDir(agentID), "logs", fmt.Sprintf("%s-output.md", stepID))
	return os.WriteFile(path, []byte(content), 0o644)
}

// AppendToolCallLog appends one tool-call entry to logs/tool-calls.jsonl,
// the append-only audit trail spec.md §6 names alongside the per-step
// markdown logs.
func (s *Store) AppendToolCallLog(agentID string, entry entity.ToolCallEntry) error {
	if err := s.Ensure(agentID); err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.agentDir(agentID), "logs", "tool-calls.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// Tree implements service.WorkspaceBriefer: a shallow directory listing
// of the agent's workspace, depth levels deep, for inclusion in a step's
// user message.
func (s *Store) Tree(ctx context.Context, agentID string, depth int) (string, error) {
	root := s.agentDir(agentID)
	if _, err := os.Stat(root); err != nil {
		return "(empty workspace)", nil
	}

	var sb strings.Builder
	var walk func(dir string, prefix string, level int) error
	walk = func(dir string, prefix string, level int) error {
		if level > depth {
			return nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			sb.WriteString(prefix + e.Name())
			if e.IsDir() {
				sb.WriteString("/")
			}
			sb.WriteString("\n")
			if e.IsDir() {
				_ = walk(filepath.Join(dir, e.Name()), prefix+"  ", level+1)
			}
		}
		return nil
	}
	if err := walk(root, "", 1); err != nil {
		return "", fmt.Errorf("workspace: tree: %w", err)
	}
	return sb.String(), nil
}

// SaveTaskState writes task.json. Presence of the file is the spec.md §3
// invariant that the task is incomplete; callers must call
// DeleteTaskState on completion/failure instead of writing a terminal
// status and leaving the file behind.
func (s *Store) SaveTaskState(ctx context.Context, agentID string, task *entity.TaskState) error {
	if err := s.Ensure(agentID); err != nil {
		return err
	}
	return writeJSON(filepath.Join(s.agentDir(agentID), "task.json"), task)
}

// LoadTaskState reads task.json, returning (nil, nil) if absent — the
// spec.md §3 meaning of "no in-progress task" rather than an error.
func (s *Store) LoadTaskState(ctx context.Context, agentID string) (*entity.TaskState, error) {
	var task entity.TaskState
	path := filepath.Join(s.agentDir(agentID), "task.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	if err := readJSON(path, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTaskState removes task.json on task completion/failure.
func (s *Store) DeleteTaskState(ctx context.Context, agentID string) error {
	err := os.Remove(filepath.Join(s.agentDir(agentID), "task.json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SavePersona writes persona.json.
func (s *Store) SavePersona(ctx context.Context, persona *entity.AgentPersonaFile) error {
	if err := s.Ensure(persona.AgentID); err != nil {
		return err
	}
	return writeJSON(filepath.Join(s.agentDir(persona.AgentID), "persona.json"), persona)
}

// LoadPersona reads persona.json.
func (s *Store) LoadPersona(ctx context.Context, agentID string) (*entity.AgentPersonaFile, error) {
	var persona entity.AgentPersonaFile
	if err := readJSON(filepath.Join(s.agentDir(agentID), "persona.json"), &persona); err != nil {
		return nil, err
	}
	return &persona, nil
}

// WriteIntakeKnowledge writes intake_knowledge.md, the Intake Service's
// distilled memory briefing carried into the Pre-Dot pipeline.
func (s *Store) WriteIntakeKnowledge(ctx context.Context, agentID, content string) error {
	if err := s.Ensure(agentID); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.agentDir(agentID), "intake_knowledge.md"), []byte(content), 0o644)
}

// SavePersonaRequests writes persona_requests.json — the restated
// requests queued up for the Recruiter across a handoff chain.
func (s *Store) SavePersonaRequests(ctx context.Context, agentID string, requests []string) error {
	if err := s.Ensure(agentID); err != nil {
		return err
	}
	return writeJSON(filepath.Join(s.agentDir(agentID), "persona_requests.json"), requests)
}

// memoryFact is one extracted fact persisted to memory.json.
type memoryFact struct {
	Content    string    `json:"content"`
	Category   string    `json:"category"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

// SaveFact implements service.MemoryPersister: appends an extracted fact to
// the agent's memory.json, the cross-task knowledge carryover spec.md §6
// lists alongside the rest of the workspace layout.
func (s *Store) SaveFact(agentID, content, category string, confidence float64, source string) error {
	s.memMu.Lock()
	defer s.memMu.Unlock()

	if err := s.Ensure(agentID); err != nil {
		return err
	}
	facts, err := s.loadFacts(agentID)
	if err != nil {
		return err
	}
	facts = append(facts, memoryFact{
		Content:    content,
		Category:   category,
		Confidence: confidence,
		Source:     source,
		CreatedAt:  time.Now(),
	})
	return writeJSON(s.memoryPath(agentID), facts)
}

// IsDuplicate implements service.MemoryPersister: a case-insensitive exact
// match against already-stored fact content. Good enough to stop the same
// extraction firing twice across successive debounce windows; a
// near-duplicate (paraphrased) fact is accepted again rather than chasing
// fuzzy matching the extraction prompt is already asked to avoid.
func (s *Store) IsDuplicate(agentID, content string) bool {
	s.memMu.Lock()
	defer s.memMu.Unlock()

	facts, err := s.loadFacts(agentID)
	if err != nil {
		return false
	}
	for _, f := range facts {
		if strings.EqualFold(f.Content, content) {
			return true
		}
	}
	return false
}

func (s *Store) memoryPath(agentID string) string {
	return filepath.Join(s.agentDir(agentID), "memory.json")
}

func (s *Store) loadFacts(agentID string) ([]memoryFact, error) {
	var facts []memoryFact
	if err := readJSON(s.memoryPath(agentID), &facts); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return facts, nil
}

// ListAgentIDs enumerates workspace directories present under root, used
// at startup to rehydrate any agents left running across a restart.
func (s *Store) ListAgentIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && entity.ValidAgentID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// DefaultRoot resolves ~/.bot/agent-workspaces, the on-device-shaped
// layout root spec.md §6 names, rooted in the gateway's own home
// directory rather than a physical device's.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".bot", "agent-workspaces")
}
