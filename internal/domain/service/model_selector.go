package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ModelRole names a tier in the fallback-chain and model-selection
// configuration (spec.md §4.2/§4.3): e.g. "intake", "router", "recruiter",
// "planner", "step", "architect".
type ModelRole string

const (
	RoleIntake    ModelRole = "intake"
	RoleRouter    ModelRole = "router"
	RoleRecruiter ModelRole = "recruiter"
	RolePlanner   ModelRole = "planner"
	RoleStep      ModelRole = "step"
	RoleArchitect ModelRole = "architect"
)

// SelectionCriteria is the input to the Model Selector (spec.md §4.3).
type SelectionCriteria struct {
	ExplicitRole     ModelRole
	PromptLen        int
	FileContextBytes int64
	ArchitectTask    bool
	IsOffline        bool
}

// ModelSelection is the Model Selector's output.
type ModelSelection struct {
	Provider  string
	Model     string
	MaxTokens int
	Role      ModelRole
}

// ConnectivityProbe checks whether the gateway currently has network
// access to remote LLM providers. Implemented by a cheap TCP/HTTP dial in
// the infrastructure layer; abstracted here so the selector stays
// dependency-free.
type ConnectivityProbe func(ctx context.Context) bool

// largeFileContextBytes and largePromptLen bump the role tier toward a
// higher-capability model the way spec.md §4.3's heuristics describe.
const (
	largeFileContextBytes = 64 * 1024
	largePromptLen        = 8000
)

// ModelSelector resolves {provider, model, maxTokens, role} from a
// caller's criteria, consulting a cached 60s connectivity probe to decide
// isOffline the way the teacher's heartbeat/config-watcher poll loops
// cache their own state between ticks (internal/domain/service/heartbeat.go,
// config_watcher.go).
type ModelSelector struct {
	mu              sync.Mutex
	fallbackChains  map[ModelRole][]RoleTarget
	localProvider   RoleTarget
	probe           ConnectivityProbe
	probeInterval   time.Duration
	lastProbeAt     time.Time
	lastProbeOnline bool
	logger          *zap.Logger
}

// RoleTarget names one (provider, model) alternative in a fallback chain;
// mirrors config.RoleTarget so this package doesn't import the config
// package directly.
type RoleTarget struct {
	Provider  string
	Model     string
	MaxTokens int
}

// NewModelSelector builds a selector over the given per-role fallback
// chains and local (offline) provider target.
func NewModelSelector(chains map[ModelRole][]RoleTarget, localProvider RoleTarget, probe ConnectivityProbe, probeInterval time.Duration, logger *zap.Logger) *ModelSelector {
	if probeInterval <= 0 {
		probeInterval = 60 * time.Second
	}
	return &ModelSelector{
		fallbackChains: chains,
		localProvider:  localProvider,
		probe:          probe,
		probeInterval:  probeInterval,
		logger:         logger,
	}
}

// isOffline returns the cached connectivity state, re-probing at most once
// per probeInterval.
func (s *ModelSelector) isOffline(ctx context.Context) bool {
	if s.probe == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.lastProbeAt) < s.probeInterval {
		return !s.lastProbeOnline
	}
	online := s.probe(ctx)
	s.lastProbeAt = time.Now()
	s.lastProbeOnline = online
	return !online
}

// Select resolves the criteria into a concrete (provider, model) target.
func (s *ModelSelector) Select(ctx context.Context, criteria SelectionCriteria) ModelSelection {
	role := criteria.ExplicitRole
	if role == "" {
		role = RoleStep
	}

	if criteria.IsOffline || s.isOffline(ctx) {
		return ModelSelection{
			Provider:  s.localProvider.Provider,
			Model:     s.localProvider.Model,
			MaxTokens: s.localProvider.MaxTokens,
			Role:      role,
		}
	}

	role = bumpRoleTier(role, criteria)

	chain := s.fallbackChains[role]
	if len(chain) == 0 {
		chain = s.fallbackChains[RoleStep]
	}
	if len(chain) == 0 {
		return ModelSelection{Provider: s.localProvider.Provider, Model: s.localProvider.Model, MaxTokens: s.localProvider.MaxTokens, Role: role}
	}

	head := chain[0]
	return ModelSelection{Provider: head.Provider, Model: head.Model, MaxTokens: head.MaxTokens, Role: role}
}

// FallbackChain returns the ordered (provider, model) alternatives for a
// role, for the resilient client to walk on a retryable failure.
func (s *ModelSelector) FallbackChain(role ModelRole) []RoleTarget {
	return s.fallbackChains[role]
}

// bumpRoleTier applies the spec's large-file-context and architect-task
// heuristics, escalating to a higher-capability role tier.
func bumpRoleTier(role ModelRole, c SelectionCriteria) ModelRole {
	if c.ArchitectTask {
		return RoleArchitect
	}
	if c.FileContextBytes >= largeFileContextBytes || c.PromptLen >= largePromptLen {
		if role == RoleStep {
			return RolePlanner
		}
	}
	return role
}

// ResolveModelAndClient decides, given the currently-in-use provider name
// and a fresh selection, whether the existing client can be reused (same
// provider) or whether a new one must be constructed — per spec.md §4.3's
// resolveModelAndClient. clientFor is supplied by the caller (the LLM
// router/provider registry) since this package has no provider construction
// knowledge of its own.
func ResolveModelAndClient(currentProvider string, selection ModelSelection, clientFor func(provider string) (LLMClient, bool)) (LLMClient, bool) {
	if strings.EqualFold(currentProvider, selection.Provider) {
		if client, ok := clientFor(currentProvider); ok {
			return client, true
		}
	}
	return clientFor(selection.Provider)
}
