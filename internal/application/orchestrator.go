// Package application wires the domain services and infrastructure
// adapters together into the running gateway, grounded on the teacher's
// internal/application/app.go top-level composition root (constructs
// every infrastructure client once, hands narrow interfaces down to
// domain services) generalized from the teacher's single local-agent
// App to one Orchestrator coordinating many concurrent per-device
// agents.
package application

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"github.com/cortexrt/assistant/internal/domain/service"
	domaintool "github.com/cortexrt/assistant/internal/domain/tool"
	"github.com/cortexrt/assistant/internal/infrastructure/eventbus"
	infratool "github.com/cortexrt/assistant/internal/infrastructure/tool"
	"github.com/cortexrt/assistant/internal/infrastructure/transport"
	"github.com/cortexrt/assistant/internal/infrastructure/workspace"
	"github.com/cortexrt/assistant/internal/interfaces/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// deviceRuntime is the per-device state the Orchestrator keeps once a
// device registers: its built Handler Registry, Step-Executor, and the
// currently-active agent, if any.
type deviceRuntime struct {
	deviceID    string
	registry    domaintool.Registry
	stepExec    *service.StepExecutor
	activeAgent string // agentId of the one agent allowed to run at a time, per spec.md §4.8
}

// Orchestrator is the application-layer handler registered via
// transport.Bridge.SetAppHandler: every inbound device frame the bridge
// itself doesn't resolve (auth, register_device, prompt, heartbeat, ...)
// lands here, and it drives the full Intake -> Pre-Dot -> Routing ->
// Recruiter -> Planner -> Step-Executor -> Queue-Executor pipeline
// described in spec.md §4.
type Orchestrator struct {
	logger *zap.Logger

	bridge *transport.Bridge
	hub    *websocket.Hub
	store  *workspace.Store

	intake     *service.IntakeService
	predot     *service.PreDotPipeline
	routing    *service.RoutingDecider
	recruiter  *service.Recruiter
	planner    *service.Planner
	queueExec  *service.QueueExecutor
	monitor    *service.TaskMonitor
	tokens     *service.TokenTracker
	agentLoop  *service.AgentLoop
	bus        eventbus.Bus

	manifestFor func(deviceID string) []entity.ToolManifestEntry

	mu        sync.Mutex
	devices   map[string]*deviceRuntime // deviceID -> runtime
	agents    map[string]string         // agentId -> deviceId, for signal/escalation routing
	manifests map[string][]entity.ToolManifestEntry // deviceID -> device-declared tools, from register_device
}

// OrchestratorDeps aggregates everything the Orchestrator needs, mirroring
// the teacher's App struct field grouping.
type OrchestratorDeps struct {
	Logger      *zap.Logger
	Bridge      *transport.Bridge
	Hub         *websocket.Hub
	Store       *workspace.Store
	Intake      *service.IntakeService
	PreDot      *service.PreDotPipeline
	Routing     *service.RoutingDecider
	Recruiter   *service.Recruiter
	Planner     *service.Planner
	QueueExec   *service.QueueExecutor
	Monitor     *service.TaskMonitor
	Tokens      *service.TokenTracker
	AgentLoop   *service.AgentLoop
	Bus         eventbus.Bus
	ManifestFor func(deviceID string) []entity.ToolManifestEntry
}

// NewOrchestrator builds the orchestrator and wires it as the bridge's
// application handler.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	o := &Orchestrator{
		logger:      deps.Logger,
		bridge:      deps.Bridge,
		hub:         deps.Hub,
		store:       deps.Store,
		intake:      deps.Intake,
		predot:      deps.PreDot,
		routing:     deps.Routing,
		recruiter:   deps.Recruiter,
		planner:     deps.Planner,
		queueExec:   deps.QueueExec,
		monitor:     deps.Monitor,
		tokens:      deps.Tokens,
		agentLoop:   deps.AgentLoop,
		bus:         deps.Bus,
		manifestFor: deps.ManifestFor,
		devices:     make(map[string]*deviceRuntime),
		agents:      make(map[string]string),
		manifests:   make(map[string][]entity.ToolManifestEntry),
	}
	deps.Bridge.SetAppHandler(o.HandleDeviceMessage)
	return o
}

// HandleDeviceMessage dispatches one inbound frame per spec.md §6's
// device message vocabulary. auth/register_device binds the connection;
// prompt enters the pipeline; heartbeat refreshes liveness. The
// remaining client->server types (memory_response, admin_response,
// llm_call_request, credential_session_request, credential_stored)
// belong to external collaborators spec.md §1 places out of scope (the
// on-disk memory store and the credential vault) — they're logged at
// debug level, not processed, and get no reply, since this gateway owns the
// pipeline, not those stores.
func (o *Orchestrator) HandleDeviceMessage(client *websocket.Client, msg *websocket.WSMessage) {
	switch msg.Type {
	case websocket.MessageTypeRegisterDevice:
		o.bridge.BindDevice(client.GetDeviceID(), client.GetID())
		o.rememberManifest(client.GetDeviceID(), msg.Metadata)
		o.logger.Info("device registered", zap.String("deviceId", client.GetDeviceID()))

	case websocket.MessageTypeAuth:
		o.logger.Debug("auth frame received", zap.String("deviceId", client.GetDeviceID()))

	case websocket.MessageTypePrompt:
		deviceID := client.GetDeviceID()
		safeRun(o.logger, "orchestrator-prompt", func() {
			if err := o.RunPrompt(context.Background(), deviceID, msg.Content); err != nil {
				o.logger.Error("prompt pipeline failed", zap.String("deviceId", deviceID), zap.Error(err))
				client.SendMessage(&websocket.WSMessage{
					Type:    websocket.MessageTypeNotification,
					Content: fmt.Sprintf("failed to process request: %v", err),
				})
			}
		})

	case websocket.MessageTypeHeartbeat:
		o.logger.Debug("heartbeat", zap.String("deviceId", client.GetDeviceID()))

	case websocket.MessageTypeExecutionResult, websocket.MessageTypeMemoryResponse,
		websocket.MessageTypeAdminResponse, websocket.MessageTypeLLMCallRequest,
		websocket.MessageTypeCredentialSessionRequest, websocket.MessageTypeCredentialStored:
		o.logger.Debug("frame forwarded to external collaborator surface, no-op here",
			zap.String("type", string(msg.Type)), zap.String("deviceId", client.GetDeviceID()))

	default:
		o.logger.Warn("unrecognized device frame", zap.String("type", string(msg.Type)))
	}
}

// safeRun runs fn on its own goroutine with a panic guard, grounded on
// the teacher's pkg/safego.Go, used directly rather than through that
// package here since it's already depended on inside the domain services
// this call chain eventually invokes (queue_executor.go, task_monitor.go).
func safeRun(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in background task", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		fn()
	}()
}

// rememberManifest parses the "tools" entry a device advertises in its
// register_device Metadata (mirroring entity.DeviceSession.Capabilities)
// into a per-device ToolManifestEntry cache. A device that advertises no
// tools at registration falls back to manifestFor's externally-supplied
// default in resolveManifest, so this is a no-op rather than an error.
func (o *Orchestrator) rememberManifest(deviceID string, metadata map[string]interface{}) {
	raw, ok := metadata["tools"]
	if !ok {
		return
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		o.logger.Warn("orchestrator: malformed device tool manifest", zap.String("deviceId", deviceID), zap.Error(err))
		return
	}
	var entries []entity.ToolManifestEntry
	if err := json.Unmarshal(encoded, &entries); err != nil {
		o.logger.Warn("orchestrator: malformed device tool manifest", zap.String("deviceId", deviceID), zap.Error(err))
		return
	}

	o.mu.Lock()
	o.manifests[deviceID] = entries
	o.mu.Unlock()
}

// resolveManifestLocked returns the device's self-declared manifest if
// register_device carried one, falling back to the externally-injected
// default (e.g. a static config-driven manifest) otherwise. Callers must
// already hold o.mu.
func (o *Orchestrator) resolveManifestLocked(deviceID string) []entity.ToolManifestEntry {
	if entries, ok := o.manifests[deviceID]; ok {
		return entries
	}
	return o.manifestFor(deviceID)
}

func newAgentID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "agent_" + raw[:20]
}

func (o *Orchestrator) runtimeFor(deviceID string) *deviceRuntime {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rt, ok := o.devices[deviceID]; ok {
		return rt
	}
	registry := domaintool.NewInMemoryRegistry()
	manifest := o.resolveManifestLocked(deviceID)
	infratool.BuildFromManifest(infratool.RegistryDeps{
		Registry:     registry,
		Logger:       o.logger,
		Dispatcher:   o.bridge,
		WorkspaceDir: filepath.Join(o.store.Root(), "_devices", deviceID),
	}, deviceID, manifest)

	rt := &deviceRuntime{
		deviceID: deviceID,
		registry: registry,
		stepExec: service.NewStepExecutor(o.agentLoop, registry, o.store, o.store, o.store, o.logger),
	}
	o.devices[deviceID] = rt
	return rt
}

// RunPrompt runs the full pipeline for one incoming user message, per
// spec.md §4: Intake classifies and surfaces relevant memories; Routing
// decides whether this continues an in-flight agent or spawns a new one;
// a new agent goes through Pre-Dot, the Recruiter, and the Planner before
// its first Step-Executor run.
func (o *Orchestrator) RunPrompt(ctx context.Context, deviceID, message string) error {
	rt := o.runtimeFor(deviceID)

	intakeResult, err := o.intake.Classify(ctx, service.IntakeInputs{UserMessage: message})
	if err != nil {
		return fmt.Errorf("orchestrator: intake: %w", err)
	}

	outcome, err := o.routing.Route(ctx, deviceID, message, intakeResult.RelevantMemories)
	if err != nil {
		return fmt.Errorf("orchestrator: routing: %w", err)
	}
	if outcome.Coalesced {
		o.logger.Info("message coalesced into in-flight agent",
			zap.String("deviceId", deviceID), zap.String("decision", string(outcome.Decision)),
			zap.String("targetAgent", outcome.TargetAgentID))
		return nil
	}

	return o.spawnAndRun(ctx, rt, deviceID, message, intakeResult, "")
}

// emitLifecycle fans an agent status transition out two ways: onto the
// internal event bus (eventbus.EventTypeStateChange, for in-process
// subscribers like an audit logger) and onto the device's own connection
// as the agent_lifecycle wire frame spec.md §6 names, for UI streaming
// (grounded on §4.1's "bridge is also responsible for lifecycle-event
// fan-out to per-user subscribers").
func (o *Orchestrator) emitLifecycle(deviceID, agentID string, from, to entity.AgentStatus, trigger string) {
	if o.bus != nil {
		o.bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeStateChange, eventbus.StateChangePayload{
			SessionID: agentID,
			FromState: string(from),
			ToState:   string(to),
			Trigger:   trigger,
		}))
	}
	if deviceID == "" {
		return
	}
	if err := o.bridge.SendToDevice(deviceID, &websocket.WSMessage{
		Type: websocket.MessageTypeAgentLifecycle,
		Metadata: map[string]interface{}{
			"agentId": agentID,
			"from":    string(from),
			"to":      string(to),
			"trigger": trigger,
		},
	}); err != nil {
		o.logger.Debug("lifecycle event undeliverable", zap.String("deviceId", deviceID), zap.Error(err))
	}
}

// emitRunLog fans a per-step progress line out the same two ways as
// emitLifecycle: the event bus (for in-process consumers) and the
// run_log wire frame (for UI streaming).
func (o *Orchestrator) emitRunLog(deviceID, agentID, stepID, message string) {
	if o.bus != nil {
		o.bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeToolExecution, eventbus.ToolExecutionPayload{
			SessionID: agentID,
			ToolName:  stepID,
			Success:   true,
		}))
	}
	if deviceID == "" {
		return
	}
	if err := o.bridge.SendToDevice(deviceID, &websocket.WSMessage{
		Type:     websocket.MessageTypeRunLog,
		Content:  message,
		Metadata: map[string]interface{}{"agentId": agentID, "stepId": stepID},
	}); err != nil {
		o.logger.Debug("run log undeliverable", zap.String("deviceId", deviceID), zap.Error(err))
	}
}

func (o *Orchestrator) spawnAndRun(ctx context.Context, rt *deviceRuntime, deviceID, message string, intakeResult *entity.IntakeResult, previousAgentID string) error {
	briefing, err := o.predot.Run(ctx, message, "")
	if err != nil {
		return fmt.Errorf("orchestrator: pre-dot: %w", err)
	}

	recruited, err := o.recruiter.Run(ctx, intakeResult.RestatedRequest, briefing.Text)
	if err != nil {
		return fmt.Errorf("orchestrator: recruiter: %w", err)
	}

	agentID := newAgentID()
	persona, err := entity.NewAgentPersonaFile(agentID, recruited.CustomPrompt, recruited.SelectedPersonas, recruited.Tools, string(recruited.ModelRole))
	if err != nil {
		return fmt.Errorf("orchestrator: persona file: %w", err)
	}
	persona.PreviousAgentID = previousAgentID
	persona.Council = recruited.Council
	persona.RestatedRequests = []string{intakeResult.RestatedRequest}
	if err := persona.Transition(entity.AgentStatusRunning); err != nil {
		return fmt.Errorf("orchestrator: persona transition: %w", err)
	}
	if err := o.store.SavePersona(ctx, persona); err != nil {
		return fmt.Errorf("orchestrator: save persona: %w", err)
	}
	o.emitLifecycle(deviceID, agentID, entity.AgentStatusQueued, entity.AgentStatusRunning, "spawn")

	plan, err := o.planner.Plan(ctx, recruited.CustomPrompt, intakeResult.RestatedRequest)
	if err != nil {
		return fmt.Errorf("orchestrator: planner: %w", err)
	}
	if err := o.store.SavePlan(ctx, agentID, plan); err != nil {
		return fmt.Errorf("orchestrator: save initial plan: %w", err)
	}

	task := &entity.TaskState{
		TaskID:          agentID,
		Topic:           intakeResult.RestatedRequest,
		Status:          entity.TaskStatusActive,
		LastActiveAt:    time.Now(),
		Persona:         persona.Council,
		SelectedToolIDs: recruited.Tools,
		ParentAgentID:   previousAgentID,
	}
	if err := o.store.SaveTaskState(ctx, agentID, task); err != nil {
		return fmt.Errorf("orchestrator: save task state: %w", err)
	}

	o.mu.Lock()
	rt.activeAgent = agentID
	o.agents[agentID] = deviceID
	o.mu.Unlock()

	o.monitor.Arm(agentID, task, intakeResult.Classification)
	defer o.monitor.Cancel(agentID)

	return o.runSteps(ctx, rt, agentID, persona, plan, task)
}

// runSteps drives the Step-Executor across every remaining plan step. A
// synthetic signal (escalate/wait_for_user/request_tools/request_research)
// updates the agent's status and stops the run; a step error marks the
// task and agent failed, with no re-planning. On completion or failure it
// finalizes the agent and hands off to the Queue-Executor for any queued
// follow-ups.
func (o *Orchestrator) runSteps(ctx context.Context, rt *deviceRuntime, agentID string, persona *entity.AgentPersonaFile, plan *entity.Plan, task *entity.TaskState) error {
	for plan.Progress.CurrentStepID != "" {
		stepID := plan.Progress.CurrentStepID
		outcome, err := rt.stepExec.Run(ctx, agentID, persona.CustomPrompt, plan)
		if err != nil {
			task.MarkFailed(err.Error())
			_ = o.store.SaveTaskState(ctx, agentID, task)
			from := persona.Status
			_ = persona.Transition(entity.AgentStatusFailed)
			_ = o.store.SavePersona(ctx, persona)
			o.emitLifecycle(rt.deviceID, agentID, from, entity.AgentStatusFailed, "step_error")
			o.finish(ctx, rt, agentID, persona)
			return fmt.Errorf("orchestrator: step run: %w", err)
		}

		if outcome.Signal != "" {
			o.logger.Info("step signal", zap.String("agent", agentID), zap.String("signal", outcome.Signal))
			from := persona.Status
			switch outcome.Signal {
			case "escalate":
				_ = persona.Transition(entity.AgentStatusBlocked)
			case "wait_for_user":
				_ = persona.Transition(entity.AgentStatusWaitingOnUser)
			case "request_research":
				_ = persona.Transition(entity.AgentStatusResearching)
			default:
				_ = persona.Transition(entity.AgentStatusBlocked)
			}
			_ = o.store.SavePersona(ctx, persona)
			o.emitLifecycle(rt.deviceID, agentID, from, persona.Status, outcome.Signal)
			task.Progress.CurrentStep = plan.Progress.CurrentStepID
			_ = o.store.SaveTaskState(ctx, agentID, task)
			return nil
		}

		task.Progress.StepsCompleted = plan.Progress.CompletedStepIDs
		task.Progress.CurrentStep = plan.Progress.CurrentStepID
		task.Touch()
		_ = o.store.SaveTaskState(ctx, agentID, task)
		o.monitor.Touch(agentID, task, 30*time.Second)
		o.emitRunLog(rt.deviceID, agentID, stepID, "step completed")
	}

	task.MarkCompleted()
	_ = o.store.SaveTaskState(ctx, agentID, task)
	_ = o.store.DeleteTaskState(ctx, agentID)
	from := persona.Status
	_ = persona.Transition(entity.AgentStatusCompleted)
	_ = o.store.SavePersona(ctx, persona)
	o.emitLifecycle(rt.deviceID, agentID, from, entity.AgentStatusCompleted, "completed")
	o.finish(ctx, rt, agentID, persona)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, rt *deviceRuntime, agentID string, persona *entity.AgentPersonaFile) {
	o.mu.Lock()
	if rt.activeAgent == agentID {
		rt.activeAgent = ""
	}
	delete(o.agents, agentID)
	deviceID := rt.deviceID
	o.mu.Unlock()

	o.queueExec.OnAgentFinished(deviceID, agentID, persona.Queue)
}

// ---- service.AgentSpawner ----

// SpawnFromHandoff implements service.AgentSpawner for the Queue-Executor:
// it re-enters the pipeline at recruit/plan for a handoff brief composed
// from a finished agent's queue.
func (o *Orchestrator) SpawnFromHandoff(ctx context.Context, deviceID, handoffBrief string) (string, error) {
	rt := o.runtimeFor(deviceID)
	intakeResult := &entity.IntakeResult{
		Classification:  entity.ClassificationContinuation,
		RestatedRequest: handoffBrief,
	}
	agentID := newAgentID()
	go func() {
		if err := o.spawnAndRun(context.Background(), rt, deviceID, handoffBrief, intakeResult, agentID); err != nil {
			o.logger.Error("handoff agent run failed", zap.String("deviceId", deviceID), zap.Error(err))
		}
	}()
	return agentID, nil
}

// ---- service.HandoffBriefBuilder ----

// BuildHandoffBrief implements service.HandoffBriefBuilder: concatenates
// a finished agent's final plan approach with its queued follow-up
// requests, per spec.md §4.8's QUEUE dispatch.
func (o *Orchestrator) BuildHandoffBrief(ctx context.Context, finishedAgentID string, queue []entity.QueueEntry) (string, error) {
	var sb strings.Builder
	if plan, err := o.store.LoadPlan(ctx, finishedAgentID); err == nil {
		sb.WriteString("Prior agent's approach: ")
		sb.WriteString(plan.Approach)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Queued follow-up requests:\n")
	for _, q := range queue {
		sb.WriteString("- " + q.Request + "\n")
	}
	return sb.String(), nil
}

// ---- service.TaskEscalator ----

// EscalateStalledTask implements service.TaskEscalator: the Task Monitor
// calls this when a task's timer fires without the task making forward
// progress. It surfaces a notification to the device and widens the
// estimate by re-arming rather than failing the task outright.
func (o *Orchestrator) EscalateStalledTask(ctx context.Context, agentID string, task *entity.TaskState) error {
	o.mu.Lock()
	deviceID, ok := o.agents[agentID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	if err := o.bridge.SendToDevice(deviceID, &websocket.WSMessage{
		Type:    websocket.MessageTypeNotification,
		Content: fmt.Sprintf("Task %q is taking longer than expected.", task.Topic),
	}); err != nil {
		o.logger.Warn("escalation notification undeliverable", zap.String("deviceId", deviceID), zap.Error(err))
	}
	o.monitor.Touch(agentID, task, 60*time.Second)
	return nil
}

// ---- service.CandidateCollector ----

// CollectCandidates implements service.CandidateCollector. The spec's
// memory-backed candidate enrichment (matching agents[] via relevant
// memory models) depends on the on-disk memory store, an external
// collaborator spec.md §1 places out of scope; this collector instead
// reports the device's one allowed concurrently-active agent, which is
// enough to drive the routing lock's coalescing behavior without that
// store.
func (o *Orchestrator) CollectCandidates(ctx context.Context, deviceID string, relevantMemories []entity.MemoryMatch) ([]service.RoutingCandidate, error) {
	rt := o.runtimeFor(deviceID)
	o.mu.Lock()
	active := rt.activeAgent
	o.mu.Unlock()
	if active == "" {
		return nil, nil
	}
	persona, err := o.store.LoadPersona(ctx, active)
	if err != nil {
		return nil, nil
	}
	plan, err := o.store.LoadPlan(ctx, active)
	progress := entity.PlanProgress{}
	if err == nil {
		progress = plan.Progress
	}
	return []service.RoutingCandidate{{
		AgentID:        active,
		Status:         persona.Status,
		PlanProgress:   progress,
		PersonaSummary: persona.CustomPrompt,
	}}, nil
}

// ---- service.SignalCoalescer ----

// CoalesceSignal implements service.SignalCoalescer: folds a follow-up
// message into a running agent's persona_requests.json.
func (o *Orchestrator) CoalesceSignal(ctx context.Context, targetAgentID, message string) error {
	persona, err := o.store.LoadPersona(ctx, targetAgentID)
	if err != nil {
		return fmt.Errorf("coalesce: load persona: %w", err)
	}
	persona.RestatedRequests = append(persona.RestatedRequests, message)
	if err := o.store.SavePersona(ctx, persona); err != nil {
		return err
	}
	return o.store.SavePersonaRequests(ctx, targetAgentID, persona.RestatedRequests)
}

// ---- service.QueueAppender ----

// AppendQueue implements service.QueueAppender.
func (o *Orchestrator) AppendQueue(ctx context.Context, targetAgentID string, entry entity.QueueEntry) error {
	persona, err := o.store.LoadPersona(ctx, targetAgentID)
	if err != nil {
		return fmt.Errorf("append queue: load persona: %w", err)
	}
	persona.Enqueue(entry.ID, entry.Request)
	return o.store.SavePersona(ctx, persona)
}

// ---- service.AgentStopper ----

// StopAgent implements service.AgentStopper.
func (o *Orchestrator) StopAgent(ctx context.Context, targetAgentID string) error {
	persona, err := o.store.LoadPersona(ctx, targetAgentID)
	if err != nil {
		return fmt.Errorf("stop agent: load persona: %w", err)
	}
	if err := persona.Transition(entity.AgentStatusStopped); err != nil {
		return err
	}
	if err := o.store.SavePersona(ctx, persona); err != nil {
		return err
	}
	o.monitor.Cancel(targetAgentID)
	return o.store.DeleteTaskState(ctx, targetAgentID)
}

// ---- service.DeferredTaskRunner / service.RecurringTaskRunner ----

// RunDeferredTask re-enters the pipeline for a due deferred task.
func (o *Orchestrator) RunDeferredTask(ctx context.Context, task *entity.DeferredTask) error {
	return o.RunPrompt(ctx, task.SessionID, task.OriginalPrompt)
}

// RunRecurringTask re-enters the pipeline for a fired recurring task.
func (o *Orchestrator) RunRecurringTask(ctx context.Context, task *entity.RecurringTask) error {
	return o.RunPrompt(ctx, task.UserID, task.Prompt)
}
