package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cortexrt/assistant/internal/domain/entity"
	domaintool "github.com/cortexrt/assistant/internal/domain/tool"
	"github.com/cortexrt/assistant/pkg/safego"
	"go.uber.org/zap"
)

// DeviceDispatcher sends a tool call to a device over the Transport Bridge
// and waits for the correlated reply. Implemented by
// internal/infrastructure/transport.Bridge; declared here so the tool
// layer never imports the transport layer directly.
type DeviceDispatcher interface {
	Dispatch(ctx context.Context, deviceID, toolID string, args map[string]interface{}) (*domaintool.Result, error)
}

// Summarizer produces a short LLM summary of an oversized research result.
// Implemented by the LLM router; kept as a narrow interface so the tool
// layer doesn't depend on the provider stack directly.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// RegistryDeps aggregates the dependencies the Handler Registry needs to
// build all five layers, mirroring the teacher's ToolLayerDeps aggregate.
type RegistryDeps struct {
	Registry     domaintool.Registry
	Logger       *zap.Logger
	Dispatcher   DeviceDispatcher
	Summarizer   Summarizer // nil = no background summarization of oversized research results
	WorkspaceDir string     // root the research/ and screenshots/ subdirs are written under
	Timeouts     map[entity.ToolCategory]time.Duration
}

const resultCapBytes = 8 * 1024

func categoryTimeout(timeouts map[entity.ToolCategory]time.Duration, category entity.ToolCategory) time.Duration {
	if d, ok := timeouts[category]; ok {
		return d
	}
	return 30 * time.Second
}

// TimeoutsFromConfig adapts the string-keyed config.RuntimeConfig.ProxyTimeouts
// map into the entity.ToolCategory-keyed map this package uses internally.
func TimeoutsFromConfig(cfg map[string]time.Duration) map[entity.ToolCategory]time.Duration {
	out := make(map[entity.ToolCategory]time.Duration, len(cfg))
	for k, v := range cfg {
		out[entity.ToolCategory(k)] = v
	}
	return out
}

// BuildFromManifest assembles the Handler Registry for one device's tool
// manifest, per spec.md §4.5's five layers, applied in order so that a
// later layer's handler for the same toolId wins (registry overwrite on
// collision).
//
// Ordering: proxy-by-default -> server-side override -> research
// persistence wrap -> screenshot extraction wrap -> synthetic meta-tools.
func BuildFromManifest(deps RegistryDeps, deviceID string, manifest []entity.ToolManifestEntry) int {
	registered := 0

	// 1. Proxy-by-default: every manifest entry gets a device-dispatch handler.
	for _, entry := range manifest {
		t := newProxyTool(entry, deps.Dispatcher, deviceID, categoryTimeout(deps.Timeouts, entry.Category))
		upsert(deps.Registry, t, deps.Logger)
		registered++
	}

	// 2. Server-side overrides: execute in-process instead of proxying.
	for _, t := range serverSideOverrides(deps, deviceID, manifest) {
		upsert(deps.Registry, t, deps.Logger)
	}

	// 3. Research persistence: wrap search/http/market/research tools so the
	// full raw result is persisted and the LLM only sees a truncated pointer.
	for _, entry := range manifest {
		if !isResearchCategory(entry.Category) {
			continue
		}
		base, ok := deps.Registry.Get(entry.ID)
		if !ok {
			continue
		}
		wrapped := newResearchPersistenceTool(base, deps.WorkspaceDir, deps.Summarizer, deps.Logger)
		upsert(deps.Registry, wrapped, deps.Logger)
	}

	// 4. Screenshot extraction: wrap browser/gui tools so raw image payloads
	// are written to disk and replaced with a file pointer.
	for _, entry := range manifest {
		if entry.Category != entity.CategoryBrowser && entry.Category != entity.CategoryGUI {
			continue
		}
		base, ok := deps.Registry.Get(entry.ID)
		if !ok {
			continue
		}
		wrapped := newScreenshotExtractionTool(base, deps.WorkspaceDir, deps.Logger)
		upsert(deps.Registry, wrapped, deps.Logger)
	}

	// 5. Synthetic meta-tools: server-handled signals, never proxied.
	for _, t := range syntheticMetaTools() {
		upsert(deps.Registry, t, deps.Logger)
		registered++
	}

	deps.Logger.Info("handler registry built",
		zap.String("deviceId", deviceID),
		zap.Int("manifestEntries", len(manifest)),
		zap.Int("totalRegistered", registered),
	)
	return registered
}

// upsert registers a tool, replacing any existing registration of the
// same name — "latest wins on toolId collision" (spec.md §4.5).
func upsert(registry domaintool.Registry, t domaintool.Tool, logger *zap.Logger) {
	if registry.Has(t.Name()) {
		if err := registry.Unregister(t.Name()); err != nil {
			logger.Warn("failed to unregister prior tool handler", zap.String("tool", t.Name()), zap.Error(err))
		}
	}
	if err := registry.Register(t); err != nil {
		logger.Warn("failed to register tool handler", zap.String("tool", t.Name()), zap.Error(err))
	}
}

func isResearchCategory(c entity.ToolCategory) bool {
	switch c {
	case "search", "http", entity.CategoryMarket, "research":
		return true
	default:
		return false
	}
}

// ---- Layer 1: proxy-by-default ----

type proxyTool struct {
	entry      entity.ToolManifestEntry
	dispatcher DeviceDispatcher
	deviceID   string
	timeout    time.Duration
}

func newProxyTool(entry entity.ToolManifestEntry, dispatcher DeviceDispatcher, deviceID string, timeout time.Duration) *proxyTool {
	return &proxyTool{entry: entry, dispatcher: dispatcher, deviceID: deviceID, timeout: timeout}
}

func (p *proxyTool) Name() string        { return p.entry.ID }
func (p *proxyTool) Description() string { return p.entry.Description }
func (p *proxyTool) Schema() map[string]interface{} { return p.entry.Parameters }

func (p *proxyTool) Kind() domaintool.Kind {
	if p.entry.Annotations.RequiresApproval {
		return domaintool.KindExecute
	}
	return domaintool.KindFetch
}

func (p *proxyTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, err := p.dispatcher.Dispatch(ctx, p.deviceID, p.entry.ID, args)
	if err != nil {
		return nil, fmt.Errorf("proxy dispatch %s: %w", p.entry.ID, err)
	}
	if len(result.Output) > resultCapBytes {
		result.Output = result.Output[:resultCapBytes]
	}
	return result, nil
}

// ---- Layer 2: server-side overrides ----

// serverSideOverrides builds in-process handlers for any manifest entry
// whose id falls under a memory.*/knowledge.*/premium.*/imagegen.*/
// schedule.*/research.* prefix (spec.md §4.5 layer 2). Entries outside
// those prefixes stay on the layer-1 proxy handler.
func serverSideOverrides(deps RegistryDeps, deviceID string, manifest []entity.ToolManifestEntry) []domaintool.Tool {
	var overrides []domaintool.Tool
	for _, entry := range manifest {
		prefix := overridePrefix(entry.ID)
		if prefix == "" {
			continue
		}
		overrides = append(overrides, newServerOverrideTool(entry, prefix, deps.Logger))
	}
	return overrides
}

var overridePrefixes = []string{"memory.", "knowledge.", "premium.", "imagegen.", "schedule.", "research."}

func overridePrefix(toolID string) string {
	for _, p := range overridePrefixes {
		if strings.HasPrefix(toolID, p) {
			return p
		}
	}
	return ""
}

// serverOverrideTool is an in-process handler for a manifest entry whose
// prefix the gateway owns. The concrete behavior is delegated to a
// per-prefix handler func, kept as a field so each prefix's actual
// storage (memory store, knowledge index, scheduler) can be wired in
// independently without growing this type.
type serverOverrideTool struct {
	entry  entity.ToolManifestEntry
	prefix string
	logger *zap.Logger
	handle func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error)
}

func newServerOverrideTool(entry entity.ToolManifestEntry, prefix string, logger *zap.Logger) *serverOverrideTool {
	return &serverOverrideTool{
		entry:  entry,
		prefix: prefix,
		logger: logger,
		handle: func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
			return &domaintool.Result{
				Success: false,
				Error:   fmt.Sprintf("server-side override for %q not yet wired to a backing store", entry.ID),
			}, nil
		},
	}
}

func (s *serverOverrideTool) Name() string                         { return s.entry.ID }
func (s *serverOverrideTool) Description() string                  { return s.entry.Description }
func (s *serverOverrideTool) Schema() map[string]interface{}       { return s.entry.Parameters }
func (s *serverOverrideTool) Kind() domaintool.Kind                { return domaintool.KindThink }
func (s *serverOverrideTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	return s.handle(ctx, args)
}

// WithHandler lets callers (memory store, scheduler, knowledge index
// wiring in the application layer) supply the real implementation for a
// registered override without reaching back into this package's types.
func (s *serverOverrideTool) WithHandler(fn func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error)) *serverOverrideTool {
	s.handle = fn
	return s
}

// OverrideHandlerFunc is the real per-prefix implementation the
// application layer supplies for a server-side override tool.
type OverrideHandlerFunc func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error)

// SetOverrideHandler wires fn as the real implementation behind the
// server-side override tool registered under toolID (one of the
// memory./knowledge./premium./imagegen./schedule./research. prefixes).
// serverOverrideTool is unexported so the application layer can't type-
// assert it directly after BuildFromManifest; this is the exported seam
// for that wiring. Returns false if toolID isn't a registered override.
func SetOverrideHandler(registry domaintool.Registry, toolID string, fn OverrideHandlerFunc) bool {
	t, ok := registry.Get(toolID)
	if !ok {
		return false
	}
	override, ok := t.(*serverOverrideTool)
	if !ok {
		return false
	}
	override.WithHandler(fn)
	return true
}

// ---- Layer 3: research persistence ----

type researchPersistenceTool struct {
	base         domaintool.Tool
	workspaceDir string
	summarizer   Summarizer
	logger       *zap.Logger
}

func newResearchPersistenceTool(base domaintool.Tool, workspaceDir string, summarizer Summarizer, logger *zap.Logger) *researchPersistenceTool {
	return &researchPersistenceTool{base: base, workspaceDir: workspaceDir, summarizer: summarizer, logger: logger}
}

func (r *researchPersistenceTool) Name() string                   { return r.base.Name() }
func (r *researchPersistenceTool) Description() string            { return r.base.Description() }
func (r *researchPersistenceTool) Schema() map[string]interface{} { return r.base.Schema() }
func (r *researchPersistenceTool) Kind() domaintool.Kind          { return r.base.Kind() }

func (r *researchPersistenceTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	result, err := r.base.Execute(ctx, args)
	if err != nil || result == nil {
		return result, err
	}

	raw := result.Output
	researchDir := filepath.Join(r.workspaceDir, "research")
	if err := os.MkdirAll(researchDir, 0o755); err != nil {
		r.logger.Warn("research dir create failed", zap.Error(err))
		return result, nil
	}

	ts := time.Now().UnixMilli()
	rawPath := filepath.Join(researchDir, fmt.Sprintf("%s-%d.txt", r.base.Name(), ts))
	if err := os.WriteFile(rawPath, []byte(raw), 0o644); err != nil {
		r.logger.Warn("research raw persist failed", zap.Error(err))
		return result, nil
	}

	if len(raw) <= resultCapBytes {
		return result, nil
	}

	summaryPath := filepath.Join(researchDir, fmt.Sprintf("%s-%d-summary.md", r.base.Name(), ts))
	if r.summarizer != nil {
		safego.Go(r.logger, "research-summarize", func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			summary, err := r.summarizer.Summarize(sctx, raw)
			if err != nil {
				r.logger.Warn("research summarization failed", zap.Error(err))
				return
			}
			if err := os.WriteFile(summaryPath, []byte(summary), 0o644); err != nil {
				r.logger.Warn("research summary persist failed", zap.Error(err))
			}
		})
	}

	result.Output = fmt.Sprintf(
		"%s\n\n[truncated — full result at %s, summary at %s]",
		entity.TruncateSnippet(raw), rawPath, summaryPath,
	)
	return result, nil
}

// ---- Layer 4: screenshot extraction ----

type screenshotExtractionTool struct {
	base         domaintool.Tool
	workspaceDir string
	logger       *zap.Logger
}

func newScreenshotExtractionTool(base domaintool.Tool, workspaceDir string, logger *zap.Logger) *screenshotExtractionTool {
	return &screenshotExtractionTool{base: base, workspaceDir: workspaceDir, logger: logger}
}

func (s *screenshotExtractionTool) Name() string                   { return s.base.Name() }
func (s *screenshotExtractionTool) Description() string            { return s.base.Description() }
func (s *screenshotExtractionTool) Schema() map[string]interface{} { return s.base.Schema() }
func (s *screenshotExtractionTool) Kind() domaintool.Kind          { return s.base.Kind() }

func (s *screenshotExtractionTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	result, err := s.base.Execute(ctx, args)
	if err != nil || result == nil {
		return result, err
	}

	b64, ok := result.Metadata["screenshotBase64"].(string)
	if !ok || b64 == "" {
		return result, nil
	}

	shotsDir := filepath.Join(s.workspaceDir, "screenshots")
	if err := os.MkdirAll(shotsDir, 0o755); err != nil {
		s.logger.Warn("screenshot dir create failed", zap.Error(err))
		return result, nil
	}
	path := filepath.Join(shotsDir, fmt.Sprintf("%s-%d.png", s.base.Name(), time.Now().UnixMilli()))
	if err := os.WriteFile(path, []byte(b64), 0o644); err != nil {
		s.logger.Warn("screenshot persist failed", zap.Error(err))
		return result, nil
	}

	if result.Metadata == nil {
		result.Metadata = make(map[string]interface{})
	}
	delete(result.Metadata, "screenshotBase64")
	result.Metadata["screenshotPath"] = path
	if result.Output == "" {
		result.Output = fmt.Sprintf("screenshot saved to %s", path)
	}
	return result, nil
}

// ---- Layer 5: synthetic meta-tools ----

// syntheticTool is handled entirely server-side and always signals a
// breakBatch back to the step-executor (spec.md §4.5 layer 5).
type syntheticTool struct {
	name        string
	description string
	schema      map[string]interface{}
	signal      string
}

func (s *syntheticTool) Name() string                         { return s.name }
func (s *syntheticTool) Description() string                  { return s.description }
func (s *syntheticTool) Schema() map[string]interface{}       { return s.schema }
func (s *syntheticTool) Kind() domaintool.Kind                { return domaintool.KindCommunicate }

func (s *syntheticTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	return &domaintool.Result{
		Success: true,
		Output:  fmt.Sprintf("signal:%s", s.signal),
		Metadata: map[string]interface{}{
			"breakBatch": true,
			"signal":     s.signal,
			"args":       args,
		},
	}, nil
}

func syntheticMetaTools() []domaintool.Tool {
	strParam := func(desc string) map[string]interface{} {
		return map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"reason": map[string]interface{}{"type": "string", "description": desc},
			},
		}
	}
	return []domaintool.Tool{
		&syntheticTool{
			name:        "escalate",
			description: "Stop the current step and escalate this task to the architect for re-planning.",
			schema:      strParam("why escalation is needed"),
			signal:      "escalate",
		},
		&syntheticTool{
			name:        "wait_for_user",
			description: "Pause the agent and wait for the user to respond before continuing.",
			schema:      strParam("what is being waited on"),
			signal:      "wait_for_user",
		},
		&syntheticTool{
			name:        "request_tools",
			description: "Re-enter the recruiter to request an expanded tool subset for this agent.",
			schema:      strParam("what additional tools are needed"),
			signal:      "request_tools",
		},
		&syntheticTool{
			name:        "request_research",
			description: "Re-enter the planner to insert a research step before continuing.",
			schema:      strParam("what needs to be researched"),
			signal:      "request_research",
		},
	}
}
