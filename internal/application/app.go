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
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"github.com/cortexrt/assistant/internal/domain/service"
	domaintool "github.com/cortexrt/assistant/internal/domain/tool"
	"github.com/cortexrt/assistant/internal/infrastructure/catalog"
	"github.com/cortexrt/assistant/internal/infrastructure/config"
	"github.com/cortexrt/assistant/internal/infrastructure/eventbus"
	"github.com/cortexrt/assistant/internal/infrastructure/llm"
	_ "github.com/cortexrt/assistant/internal/infrastructure/llm/anthropic"
	_ "github.com/cortexrt/assistant/internal/infrastructure/llm/gemini"
	_ "github.com/cortexrt/assistant/internal/infrastructure/llm/openai"
	"github.com/cortexrt/assistant/internal/infrastructure/persistence"
	"github.com/cortexrt/assistant/internal/infrastructure/principles"
	"github.com/cortexrt/assistant/internal/infrastructure/transport"
	"github.com/cortexrt/assistant/internal/infrastructure/workspace"
	httpinterfaces "github.com/cortexrt/assistant/internal/interfaces/http"
	"github.com/cortexrt/assistant/internal/interfaces/http/handlers"
	"github.com/cortexrt/assistant/internal/interfaces/websocket"
)

// App is the fully-wired gateway: every long-lived component the server
// command starts and stops together.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	db   *gorm.DB
	hub  *websocket.Hub
	orch *Orchestrator

	deferredSched  *service.DeferredScheduler
	recurringSched *service.RecurringScheduler
	heartbeat      *service.HeartbeatService
	eventBus       *eventbus.PersistentBus
	configWatcher  *service.ConfigWatcher

	httpServer *httpinterfaces.Server

	hubCtx    context.Context
	hubCancel context.CancelFunc
}

// orchestratorHandle breaks the construction cycle between Orchestrator
// and the domain services it's injected into (RoutingDecider,
// QueueExecutor, TaskMonitor, the two schedulers all take Orchestrator
// methods as narrow interfaces, but Orchestrator itself needs those
// services' pointers in OrchestratorDeps). The handle is built empty,
// handed to every such service, then pointed at the real Orchestrator
// once NewOrchestrator returns — every handle method is only ever
// called later, from a running pipeline, well after that assignment.
type orchestratorHandle struct {
	o *Orchestrator
}

func (h *orchestratorHandle) CollectCandidates(ctx context.Context, deviceID string, relevantMemories []entity.MemoryMatch) ([]service.RoutingCandidate, error) {
	return h.o.CollectCandidates(ctx, deviceID, relevantMemories)
}

func (h *orchestratorHandle) CoalesceSignal(ctx context.Context, targetAgentID, message string) error {
	return h.o.CoalesceSignal(ctx, targetAgentID, message)
}

func (h *orchestratorHandle) AppendQueue(ctx context.Context, targetAgentID string, entry entity.QueueEntry) error {
	return h.o.AppendQueue(ctx, targetAgentID, entry)
}

func (h *orchestratorHandle) StopAgent(ctx context.Context, targetAgentID string) error {
	return h.o.StopAgent(ctx, targetAgentID)
}

func (h *orchestratorHandle) SpawnFromHandoff(ctx context.Context, deviceID, handoffBrief string) (string, error) {
	return h.o.SpawnFromHandoff(ctx, deviceID, handoffBrief)
}

func (h *orchestratorHandle) BuildHandoffBrief(ctx context.Context, finishedAgentID string, queue []entity.QueueEntry) (string, error) {
	return h.o.BuildHandoffBrief(ctx, finishedAgentID, queue)
}

func (h *orchestratorHandle) EscalateStalledTask(ctx context.Context, agentID string, task *entity.TaskState) error {
	return h.o.EscalateStalledTask(ctx, agentID, task)
}

func (h *orchestratorHandle) RunDeferredTask(ctx context.Context, task *entity.DeferredTask) error {
	return h.o.RunDeferredTask(ctx, task)
}

func (h *orchestratorHandle) RunRecurringTask(ctx context.Context, task *entity.RecurringTask) error {
	return h.o.RunRecurringTask(ctx, task)
}

// NewApp builds every component without starting any background loop;
// Start does that.
func NewApp(cfg *config.Config, log *zap.Logger) (*App, error) {
	db, err := persistence.NewDBConnection(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("application: db: %w", err)
	}

	// LLM providers register themselves via init() in their own
	// sub-package; the blank imports above are what pulls those init()
	// functions in. CreateProvider resolves cfg.Type against that
	// registry.
	router := llm.NewRouter(log)
	for _, pc := range cfg.LLM.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:     pc.Name,
			Type:     pc.Type,
			BaseURL:  pc.BaseURL,
			APIKey:   pc.APIKey,
			Models:   pc.Models,
			Priority: pc.Priority,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("application: provider %s: %w", pc.Name, err)
		}
		router.AddProvider(provider)
	}

	fallbackChains := make(map[service.ModelRole][]service.RoleTarget, len(cfg.LLM.FallbackChains))
	for role, targets := range cfg.LLM.FallbackChains {
		out := make([]service.RoleTarget, 0, len(targets))
		for _, t := range targets {
			out = append(out, service.RoleTarget{Provider: t.Provider, Model: t.Model})
		}
		fallbackChains[service.ModelRole(role)] = out
	}
	var localProvider service.RoleTarget
	if len(cfg.LLM.Providers) > 0 {
		p := cfg.LLM.Providers[0]
		model := ""
		if len(p.Models) > 0 {
			model = p.Models[0]
		}
		localProvider = service.RoleTarget{Provider: p.Name, Model: model}
	}
	modelSelector := service.NewModelSelector(fallbackChains, localProvider, dialProbe(cfg.LLM.Providers), cfg.LLM.OfflineProbe, log)

	tokenRepo := persistence.NewGormTokenRepository(db)
	tokenTracker := service.NewTokenTracker(tokenRepo, log)

	// One shared ResilientClient for the whole gateway: the router IS the
	// primary (it already tries every registered provider that supports
	// the requested model, with its own circuit breaker per provider),
	// and resolve hands the same router back for fallback targets since
	// Router.Generate dispatches purely on req.Model rather than a named
	// provider handle. deviceID/agentID are stamped empty since this one
	// client is shared across every device's pipeline rather than built
	// fresh per call site; known simplification, see DESIGN.md.
	resolveClient := func(provider string) (service.LLMClient, bool) {
		return router, true
	}
	resilientClient := service.NewResilientClient(router, modelSelector, resolveClient, tokenTracker, "", "")

	modelFor := func(role service.ModelRole) string {
		return modelSelector.Select(context.Background(), service.SelectionCriteria{ExplicitRole: role}).Model
	}

	homeDir := config.HomeDir()
	personasDir := filepath.Join(homeDir, "personas")
	councilsDir := filepath.Join(homeDir, "councils")
	principlesDir := filepath.Join(homeDir, "principles")
	if err := seedCatalogDefaults(personasDir, councilsDir, principlesDir); err != nil {
		return nil, fmt.Errorf("application: seed catalog: %w", err)
	}

	// The Recruiter's tool catalog reflects a bootstrap default registry
	// (no manifest entries yet — devices register their own set at
	// connect time via register_device), since one Recruiter instance is
	// shared across every device's handoff chain rather than rebuilt
	// per-device. See DESIGN.md.
	defaultRegistry := domaintool.NewInMemoryRegistry()
	personaCatalog := catalog.NewFileCatalog(personasDir, councilsDir, defaultRegistry, log)
	principleLoader := principles.NewFileLoader(principlesDir, log)

	intakeSvc := service.NewIntakeService(resilientClient, modelFor(service.RoleIntake), nil)
	predotPipeline := service.NewPreDotPipeline(principleLoader, resilientClient, modelFor(service.RoleIntake))
	routerDecider := service.NewLLMRouterDecider(resilientClient, modelFor(service.RoleRouter), nil)
	recruiterSvc := service.NewRecruiter(resilientClient, modelFor(service.RoleRecruiter), personaCatalog)
	plannerSvc := service.NewPlanner(resilientClient, modelSelector)

	agentLoopCfg := service.AgentLoopConfig{
		Model:               modelFor(service.RoleStep),
		MaxRetries:          cfg.Agent.Runtime.MaxRetries,
		RetryBaseWait:       cfg.Agent.Runtime.RetryBaseWait,
		MaxParallelTools:    4,
		MaxTokenBudget:      cfg.Agent.Runtime.MaxTokenBudget,
		ToolTimeout:         cfg.Agent.Runtime.ToolTimeout,
		ContextMaxTokens:    cfg.Agent.Guardrails.ContextMaxTokens,
		ContextWarnRatio:    cfg.Agent.Guardrails.ContextWarnRatio,
		ContextHardRatio:    cfg.Agent.Guardrails.ContextHardRatio,
		LoopWindowSize:      cfg.Agent.Guardrails.LoopDetectWindow,
		LoopDetectThreshold: cfg.Agent.Guardrails.LoopDetectThreshold,
	}
	// tools is nil here deliberately: StepExecutor.Run swaps in a
	// per-step scoped ToolExecutorAdapter before every call, so the
	// shared AgentLoop's own tools field is never read.
	agentLoop := service.NewAgentLoop(resilientClient, nil, agentLoopCfg, log)

	var configWatcher *service.ConfigWatcher
	if cfg.Agent.Runtime.HotReloadPath != "" {
		configWatcher = service.NewConfigWatcher(cfg.Agent.Runtime.HotReloadPath, log)
		configWatcher.OnReload(agentLoop.UpdateConfig)
	}

	store := workspace.NewStore(filepath.Join(homeDir, "agent-workspaces"), log)

	// Memory extraction runs in the background off the Tool-loop Runtime's
	// own middleware chain, persisting facts into each agent's workspace
	// rather than a shared store, per spec.md §6's per-agent layout.
	memoryMW := service.NewMemoryMiddleware(resilientClient, store, log)
	memoryPipeline := service.NewMiddlewarePipeline(log)
	memoryPipeline.Use(memoryMW)
	agentLoop.SetMiddleware(memoryPipeline)

	// SecurityHook gates dangerous tool calls behind the approval policy;
	// no interactive approval channel is wired yet (see DESIGN.md), so it
	// runs in its default "log and decide from config" mode until one is.
	securityHook := service.NewSecurityHook(cfg.Security, nil, log)
	agentLoop.SetHooks(securityHook)

	hub := websocket.NewHub(log)
	bridge := transport.NewBridge(hub, log)

	schedulerRepo := persistence.NewGormSchedulerRepository(db)

	handle := &orchestratorHandle{}
	routingDecider := service.NewRoutingDecider(handle, routerDecider, handle, handle, handle)
	queueExec := service.NewQueueExecutor(handle, handle, log)
	taskMonitor := service.NewTaskMonitor(handle, log)
	earliestDueCache := persistence.NewEarliestDueCache(cfg.Database.Redis)
	deferredSched := service.NewDeferredScheduler(schedulerRepo, handle, log).
		WithEarliestDueCache(earliestDueCache).
		WithRetryPolicy(cfg.Scheduler.MaxConcurrent, cfg.Scheduler.BackoffBase, cfg.Scheduler.BackoffCap, cfg.Scheduler.DefaultMaxAttempts)
	recurringSched := service.NewRecurringScheduler(schedulerRepo, handle, log)

	// eventBus durably logs agent_lifecycle/run_log events to a WAL under
	// the home dir so a restart can Replay() what was missed by any
	// subscriber that was offline, instead of the teacher's fire-and-forget
	// in-memory pub/sub.
	eventBus, err := eventbus.NewPersistentBus(eventbus.PersistentBusConfig{
		WALDir: filepath.Join(homeDir, "events"),
	}, log)
	if err != nil {
		log.Warn("event bus: WAL init failed, falling back to in-memory", zap.Error(err))
	}
	var bus eventbus.Bus = eventBus
	if eventBus == nil {
		bus = eventbus.NewInMemoryBus(log, 256)
	}

	orch := NewOrchestrator(OrchestratorDeps{
		Logger:    log,
		Bridge:    bridge,
		Hub:       hub,
		Store:     store,
		Intake:    intakeSvc,
		PreDot:    predotPipeline,
		Routing:   routingDecider,
		Recruiter: recruiterSvc,
		Planner:   plannerSvc,
		QueueExec: queueExec,
		Monitor:   taskMonitor,
		Tokens:    tokenTracker,
		AgentLoop: agentLoop,
		Bus:       bus,
		ManifestFor: func(deviceID string) []entity.ToolManifestEntry {
			return nil
		},
	})
	handle.o = orch

	schedulerAdmin := NewSchedulerAdmin(schedulerRepo, tokenRepo, recurringSched)
	schedulerHandler := handlers.NewSchedulerHandler(schedulerAdmin, schedulerAdmin, log)

	heartbeatSvc := service.NewHeartbeatService(service.HeartbeatConfig{
		Enabled:  cfg.Heartbeat.Enabled,
		Interval: cfg.Heartbeat.Interval,
	}, log)

	httpServer := httpinterfaces.NewServer(httpinterfaces.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
		Mode: cfg.Server.Mode,
	}, hub, schedulerHandler, log)

	hubCtx, hubCancel := context.WithCancel(context.Background())

	return &App{
		cfg:            cfg,
		logger:         log,
		db:             db,
		hub:            hub,
		orch:           orch,
		deferredSched:  deferredSched,
		recurringSched: recurringSched,
		heartbeat:      heartbeatSvc,
		eventBus:       eventBus,
		configWatcher:  configWatcher,
		httpServer:     httpServer,
		hubCtx:         hubCtx,
		hubCancel:      hubCancel,
	}, nil
}

// dialProbe builds a ConnectivityProbe that dials the first configured
// provider's host, the cheap TCP-reachability check the Model Selector's
// offline detection needs, grounded on the same cached-poll idiom the
// teacher's heartbeat service uses for its own periodic check-in
// (heartbeat.go) rather than a real HTTP round trip against the
// provider API.
func dialProbe(providers []config.ProviderConfig) service.ConnectivityProbe {
	host := "api.openai.com:443"
	for _, p := range providers {
		if p.BaseURL == "" {
			continue
		}
		if u, err := url.Parse(p.BaseURL); err == nil && u.Host != "" {
			host = u.Host
			if u.Port() == "" {
				host += ":443"
			}
			break
		}
	}
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: 3 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// Start launches the hub's event loop, the HTTP server, and the
// schedulers/heartbeat background services.
func (a *App) Start(ctx context.Context) error {
	go a.hub.Run(a.hubCtx)

	if a.eventBus != nil {
		if n, err := a.eventBus.Replay(ctx); err != nil {
			a.logger.Warn("event bus: WAL replay failed", zap.Error(err))
		} else if n > 0 {
			a.logger.Info("event bus: replayed WAL events", zap.Int("count", n))
		}
	}

	if a.configWatcher != nil {
		go a.configWatcher.Start()
	}

	if err := a.deferredSched.Start(ctx); err != nil {
		return fmt.Errorf("application: start deferred scheduler: %w", err)
	}
	if err := a.recurringSched.Start(ctx); err != nil {
		return fmt.Errorf("application: start recurring scheduler: %w", err)
	}
	if err := a.heartbeat.Start(); err != nil {
		return fmt.Errorf("application: start heartbeat: %w", err)
	}
	if err := a.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("application: start http server: %w", err)
	}

	a.logger.Info("application started")
	return nil
}

// Stop shuts every component down, HTTP first so in-flight requests
// drain before the background services and hub are cancelled.
func (a *App) Stop(ctx context.Context) error {
	if err := a.httpServer.Stop(ctx); err != nil {
		a.logger.Warn("http server shutdown", zap.Error(err))
	}
	a.heartbeat.Stop()
	a.deferredSched.Stop()
	a.recurringSched.Stop()
	if a.configWatcher != nil {
		a.configWatcher.Stop()
	}
	if a.eventBus != nil {
		a.eventBus.Close()
	}
	a.hubCancel()

	sqlDB, err := a.db.DB()
	if err == nil {
		_ = sqlDB.Close()
	}
	return nil
}

// Logger exposes the application's root logger, e.g. for a cobra
// command's own log lines around the app's lifecycle.
func (a *App) Logger() *zap.Logger {
	return a.logger
}
