package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Kind classifies what a tool does — drives automatic permission decisions.
type Kind string

const (
	KindRead        Kind = "read"        // read-only (read_file, list_dir...)
	KindEdit        Kind = "edit"        // mutates files (write_file, patch...)
	KindExecute     Kind = "execute"     // runs a command (shell, run...)
	KindDelete      Kind = "delete"      // deletion
	KindSearch      Kind = "search"      // search (web_search, grep...)
	KindFetch       Kind = "fetch"       // network fetch (fetch_url...)
	KindThink       Kind = "think"       // pure reasoning (save_memory, plan...)
	KindCommunicate Kind = "communicate" // interactive (ask_user, notify...)
)

// MutatorKinds require user confirmation under AskMode.
var MutatorKinds = map[Kind]bool{
	KindEdit:    true,
	KindDelete:  true,
	KindExecute: true,
}

// SafeKinds are auto-approved regardless of AskMode.
var SafeKinds = map[Kind]bool{
	KindRead:   true,
	KindSearch: true,
	KindThink:  true,
}

// Tool is the abstraction every executable tool implements.
type Tool interface {
	Name() string
	Description() string
	Kind() Kind
	Schema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Result is one tool execution's outcome.
type Result struct {
	Output   string                 // condensed result handed back to the LLM
	Display  string                 // rich rendering for the UI, falls back to Output when empty
	Success  bool
	Metadata map[string]interface{}
	Error    string
}

// DisplayOrOutput returns Display if set, else Output.
func (r *Result) DisplayOrOutput() string {
	if r.Display != "" {
		return r.Display
	}
	return r.Output
}

// Definition is the tool shape passed to the model.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Registry holds the set of tools available to a loop.
type Registry interface {
	Register(tool Tool) error
	Unregister(name string) error
	Get(name string) (Tool, bool)
	List() []Definition
	Has(name string) bool
}

// InMemoryRegistry is a map-backed Registry.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewInMemoryRegistry builds an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool, failing if its name is already registered.
func (r *InMemoryRegistry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	r.tools[name] = tool
	return nil
}

// Unregister removes a tool by name.
func (r *InMemoryRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}

	delete(r.tools, name)
	return nil
}

// Get looks up a tool by name.
func (r *InMemoryRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	return tool, exists
}

// List returns the definitions of every registered tool.
func (r *InMemoryRegistry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, Definition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return defs
}

// Has reports whether name is registered.
func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.tools[name]
	return exists
}

// ExecutionContext names where a tool call actually runs.
type ExecutionContext int

const (
	ExecContextGateway ExecutionContext = iota // runs directly in the gateway process
	ExecContextSandbox                         // runs inside a sandbox
	ExecContextRemote                          // runs on a remote node
)

// String returns the execution context's name.
func (c ExecutionContext) String() string {
	switch c {
	case ExecContextGateway:
		return "gateway"
	case ExecContextSandbox:
		return "sandbox"
	case ExecContextRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Executor runs a tool against a chosen execution context.
type Executor interface {
	Execute(ctx context.Context, tool Tool, args map[string]interface{}) (*Result, error)
	SetContext(execCtx ExecutionContext)
}

// Policy scopes which tools a run may use.
type Policy struct {
	Profile     string   // named preset: minimal, coding, messaging, full
	AllowList   []string
	DenyList    []string
	AskMode     bool // require confirmation before executing
	MaxExecTime int  // seconds
}

// IsAllowed reports whether toolName passes this policy's allow/deny lists.
func (p *Policy) IsAllowed(toolName string) bool {
	for _, denied := range p.DenyList {
		if denied == toolName {
			return false
		}
	}

	// Empty allow-list means allow everything not explicitly denied.
	if len(p.AllowList) == 0 {
		return true
	}

	for _, allowed := range p.AllowList {
		if allowed == toolName {
			return true
		}
	}

	return false
}

// NeedsConfirmation reports whether kind requires user confirmation under
// this policy's AskMode (SafeKinds are always auto-approved).
func (p *Policy) NeedsConfirmation(kind Kind) bool {
	if !p.AskMode {
		return false
	}
	if SafeKinds[kind] {
		return false
	}
	return MutatorKinds[kind]
}

// PolicyEnforcer applies a Policy to a Registry's contents.
type PolicyEnforcer struct {
	policy   *Policy
	registry Registry
}

// NewPolicyEnforcer builds an enforcer.
func NewPolicyEnforcer(policy *Policy, registry Registry) *PolicyEnforcer {
	return &PolicyEnforcer{
		policy:   policy,
		registry: registry,
	}
}

// FilteredList returns only the tool definitions the policy allows.
func (e *PolicyEnforcer) FilteredList() []Definition {
	all := e.registry.List()
	filtered := make([]Definition, 0)

	for _, def := range all {
		if e.policy.IsAllowed(def.Name) {
			filtered = append(filtered, def)
		}
	}

	return filtered
}

// CanExecute reports whether the policy allows toolName.
func (e *PolicyEnforcer) CanExecute(toolName string) bool {
	return e.policy.IsAllowed(toolName)
}

// NeedsApproval reports whether this policy requires confirmation at all.
func (e *PolicyEnforcer) NeedsApproval() bool {
	return e.policy.AskMode
}

// MarshalJSON serializes a Result for transport.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"output":   r.Output,
		"display":  r.Display,
		"success":  r.Success,
		"metadata": r.Metadata,
		"error":    r.Error,
	})
}
