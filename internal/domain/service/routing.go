package service

import (
	"context"
	"sync"
	"time"

	"github.com/cortexrt/assistant/internal/domain/entity"
)

// RoutingDecision is the router LLM's classification of an incoming
// message against a set of candidate in-flight agents (spec.md §4.8).
type RoutingDecision string

const (
	DecisionNew    RoutingDecision = "new"
	DecisionModify RoutingDecision = "modify"
	DecisionQueue  RoutingDecision = "queue"
	DecisionStop   RoutingDecision = "stop"
)

// RoutingCandidate is one in-flight agent the Routing Decider considers,
// enriched with its plan progress via a workspace read.
type RoutingCandidate struct {
	AgentID       string
	Status        entity.AgentStatus
	PlanProgress  entity.PlanProgress
	PersonaSummary string
}

// CandidateCollector walks matched memory models for agents[] with
// status active/paused/blocked, enriching each with a workspace read of
// plan.progress (spec.md §4.8's collectCandidates).
type CandidateCollector interface {
	CollectCandidates(ctx context.Context, deviceID string, relevantMemories []entity.MemoryMatch) ([]RoutingCandidate, error)
}

// RouterDecisionMaker runs the router LLM call with candidate summaries
// and the new message, returning a decision and (for modify/queue/stop) a
// target agent id.
type RouterDecisionMaker interface {
	Decide(ctx context.Context, candidates []RoutingCandidate, message string) (decision RoutingDecision, targetAgentID string, err error)
}

// routingLock is a per-device mutual-exclusion primitive with the same
// Allow/RecordX shape as llm.CircuitBreaker (internal/infrastructure/llm/circuit_breaker.go),
// generalized here to a binary held/free state recording the active agent.
type routingLock struct {
	mu            sync.Mutex
	held          bool
	activeAgentID string
}

func (l *routingLock) tryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false
	}
	l.held = true
	return true
}

func (l *routingLock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.activeAgentID = ""
}

func (l *routingLock) setActiveAgent(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeAgentID = agentID
}

func (l *routingLock) peekActiveAgent() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeAgentID, l.activeAgentID != ""
}

// SignalCoalescer pushes a follow-up message into an already-running
// agent's signal queue and its persona_requests.json, per spec.md §4.8.
type SignalCoalescer interface {
	CoalesceSignal(ctx context.Context, targetAgentID, message string) error
}

// QueueAppender appends {id, request, addedAt} to a target agent's queue
// when the decision is QUEUE.
type QueueAppender interface {
	AppendQueue(ctx context.Context, targetAgentID string, entry entity.QueueEntry) error
}

// AgentStopper marks a target agent stopped when the decision is STOP.
type AgentStopper interface {
	StopAgent(ctx context.Context, targetAgentID string) error
}

// RoutingOutcome is what the caller (the normal intake->recruit pipeline)
// does next.
type RoutingOutcome struct {
	// Skip is true when no candidates exist, or the decision was NEW: the
	// caller continues down the normal pipeline untouched.
	Skip bool
	// Coalesced is true when this message was folded into a running agent
	// (MODIFY) or appended to its queue (QUEUE); the caller stops here.
	Coalesced bool
	Decision  RoutingDecision
	TargetAgentID string
}

// RoutingDecider implements spec.md §4.8's full decision flow: collect
// candidates, acquire a per-device lock (coalescing rapid-fire messages
// behind a held lock), run the router LLM, and dispatch the decision.
type RoutingDecider struct {
	collector  CandidateCollector
	decider    RouterDecisionMaker
	coalescer  SignalCoalescer
	queue      QueueAppender
	stopper    AgentStopper
	nowFunc    func() time.Time

	mu    sync.Mutex
	locks map[string]*routingLock // deviceID -> lock
}

// NewRoutingDecider builds the decider. nowFunc defaults to time.Now;
// overridable for deterministic tests.
func NewRoutingDecider(collector CandidateCollector, decider RouterDecisionMaker, coalescer SignalCoalescer, queue QueueAppender, stopper AgentStopper) *RoutingDecider {
	return &RoutingDecider{
		collector: collector,
		decider:   decider,
		coalescer: coalescer,
		queue:     queue,
		stopper:   stopper,
		nowFunc:   time.Now,
		locks:     make(map[string]*routingLock),
	}
}

func (d *RoutingDecider) lockFor(deviceID string) *routingLock {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[deviceID]
	if !ok {
		l = &routingLock{}
		d.locks[deviceID] = l
	}
	return l
}

// Route runs the full decision flow for one incoming message.
func (d *RoutingDecider) Route(ctx context.Context, deviceID, message string, relevantMemories []entity.MemoryMatch) (*RoutingOutcome, error) {
	candidates, err := d.collector.CollectCandidates(ctx, deviceID, relevantMemories)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &RoutingOutcome{Skip: true}, nil
	}

	lock := d.lockFor(deviceID)
	if !lock.tryAcquire() {
		// Rapid-fire coalescing: the lock is held by an in-flight router
		// decision or an active agent. If an active agent is already
		// recorded, fold this message in as a signal immediately.
		if targetID, ok := lock.peekActiveAgent(); ok {
			if err := d.coalescer.CoalesceSignal(ctx, targetID, message); err != nil {
				return nil, err
			}
			return &RoutingOutcome{Coalesced: true, Decision: DecisionModify, TargetAgentID: targetID}, nil
		}
		return &RoutingOutcome{Skip: true}, nil
	}

	decision, targetID, err := d.decider.Decide(ctx, candidates, message)
	if err != nil {
		lock.release()
		return nil, err
	}

	switch decision {
	case DecisionNew:
		lock.release()
		return &RoutingOutcome{Skip: true, Decision: decision}, nil

	case DecisionModify:
		lock.setActiveAgent(targetID)
		if err := d.coalescer.CoalesceSignal(ctx, targetID, message); err != nil {
			lock.release()
			return nil, err
		}
		// Lock is released later, when the target agent observes the
		// signal (spec.md §4.8) — callers invoke ReleaseFor once that
		// happens.
		return &RoutingOutcome{Coalesced: true, Decision: decision, TargetAgentID: targetID}, nil

	case DecisionQueue:
		entry := entity.QueueEntry{ID: targetID + "-" + message, Request: message, AddedAt: d.nowFunc()}
		if err := d.queue.AppendQueue(ctx, targetID, entry); err != nil {
			lock.release()
			return nil, err
		}
		lock.release()
		return &RoutingOutcome{Coalesced: true, Decision: decision, TargetAgentID: targetID}, nil

	case DecisionStop:
		if err := d.stopper.StopAgent(ctx, targetID); err != nil {
			lock.release()
			return nil, err
		}
		lock.release()
		return &RoutingOutcome{Coalesced: true, Decision: decision, TargetAgentID: targetID}, nil

	default:
		lock.release()
		return &RoutingOutcome{Skip: true}, nil
	}
}

// ReleaseFor releases the per-device routing lock once the target agent
// has observed a coalesced MODIFY signal.
func (d *RoutingDecider) ReleaseFor(deviceID string) {
	d.lockFor(deviceID).release()
}
