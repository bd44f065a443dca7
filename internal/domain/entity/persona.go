package entity

import (
	"fmt"
	"time"
)

// AgentStatus is the state machine driving an agent persona file's
// lifecycle, per spec.md §3:
// queued -> running -> (paused|blocked|waiting_on_human|researching)* -> (completed|stopped|failed)
type AgentStatus string

const (
	AgentStatusQueued        AgentStatus = "queued"
	AgentStatusRunning       AgentStatus = "running"
	AgentStatusPaused        AgentStatus = "paused"
	AgentStatusBlocked       AgentStatus = "blocked"
	AgentStatusWaitingOnUser AgentStatus = "waiting_on_human"
	AgentStatusResearching   AgentStatus = "researching"
	AgentStatusCompleted     AgentStatus = "completed"
	AgentStatusStopped       AgentStatus = "stopped"
	AgentStatusFailed        AgentStatus = "failed"
)

// transitions enumerates the valid outgoing edges of the agent status
// state machine.
var transitions = map[AgentStatus]map[AgentStatus]bool{
	AgentStatusQueued: {
		AgentStatusRunning: true,
		AgentStatusStopped: true,
	},
	AgentStatusRunning: {
		AgentStatusPaused:        true,
		AgentStatusBlocked:       true,
		AgentStatusWaitingOnUser: true,
		AgentStatusResearching:   true,
		AgentStatusCompleted:     true,
		AgentStatusStopped:       true,
		AgentStatusFailed:        true,
	},
	AgentStatusPaused: {
		AgentStatusRunning:   true,
		AgentStatusStopped:   true,
		AgentStatusCompleted: true,
		AgentStatusFailed:    true,
	},
	AgentStatusBlocked: {
		AgentStatusRunning:   true,
		AgentStatusStopped:   true,
		AgentStatusFailed:    true,
	},
	AgentStatusWaitingOnUser: {
		AgentStatusRunning:   true,
		AgentStatusStopped:   true,
		AgentStatusCompleted: true,
		AgentStatusFailed:    true,
	},
	AgentStatusResearching: {
		AgentStatusRunning:   true,
		AgentStatusStopped:   true,
		AgentStatusFailed:    true,
	},
}

// CanTransition reports whether moving from -> to is a valid edge.
func CanTransition(from, to AgentStatus) bool {
	if from == to {
		return true
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// PersonaSelection is one persona chosen by the Recruiter's picker pass.
type PersonaSelection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// QueueEntry is a follow-up request coalesced behind a running agent via
// the QUEUE routing decision (spec.md §4.8).
type QueueEntry struct {
	ID      string    `json:"id"`
	Request string    `json:"request"`
	AddedAt time.Time `json:"addedAt"`
}

// AgentPersonaFile is the workspace-resident persona/status document
// written by the Receptionist and mutated throughout an agent's life.
type AgentPersonaFile struct {
	AgentID          string             `json:"agentId"`
	PreviousAgentID  string             `json:"previousAgentId,omitempty"`
	CustomPrompt     string             `json:"customPrompt"`
	SelectedPersonas []PersonaSelection `json:"selectedPersonas"`
	Council          string             `json:"council,omitempty"`
	Tools            []string           `json:"tools"`
	ModelRole        string             `json:"modelRole"`
	RestatedRequests []string           `json:"restatedRequests"`
	Status           AgentStatus        `json:"status"`
	Queue            []QueueEntry       `json:"queue"`
	CreatedAt        time.Time          `json:"createdAt"`
	CompletedAt      *time.Time         `json:"completedAt,omitempty"`
}

// NewAgentPersonaFile creates a fresh persona file in the queued state,
// validating the agentId against the closed pattern from spec.md §3.
func NewAgentPersonaFile(agentID string, customPrompt string, personas []PersonaSelection, tools []string, modelRole string) (*AgentPersonaFile, error) {
	if !ValidAgentID(agentID) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAgentID, agentID)
	}
	return &AgentPersonaFile{
		AgentID:          agentID,
		CustomPrompt:     customPrompt,
		SelectedPersonas: personas,
		Tools:            tools,
		ModelRole:        modelRole,
		Status:           AgentStatusQueued,
		CreatedAt:        time.Now(),
	}, nil
}

// Transition moves the persona file to a new status, rejecting invalid
// edges of the state machine.
func (a *AgentPersonaFile) Transition(to AgentStatus) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, a.Status, to)
	}
	a.Status = to
	if to == AgentStatusCompleted || to == AgentStatusStopped || to == AgentStatusFailed {
		now := time.Now()
		a.CompletedAt = &now
	}
	return nil
}

// Enqueue appends a follow-up request to the agent's queue (QUEUE routing
// decision).
func (a *AgentPersonaFile) Enqueue(id, request string) {
	a.Queue = append(a.Queue, QueueEntry{ID: id, Request: request, AddedAt: time.Now()})
}

// IsTerminal reports whether the agent has reached a terminal status.
func (a *AgentPersonaFile) IsTerminal() bool {
	switch a.Status {
	case AgentStatusCompleted, AgentStatusStopped, AgentStatusFailed:
		return true
	default:
		return false
	}
}
