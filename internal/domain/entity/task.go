package entity

import "time"

// TaskStatus mirrors the agent status but is tracked independently in
// task.json so the workspace's mere presence of the file implies an
// incomplete task (spec.md §3 invariant).
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskProgress tracks step completion within task.json.
type TaskProgress struct {
	StepsCompleted    []string `json:"stepsCompleted"`
	CurrentStep       string   `json:"currentStep"`
	EstimatedRemaining *int64  `json:"estimatedRemaining,omitempty"` // ms
}

// ConversationEntry is one turn retained in task.json's conversation log.
type ConversationEntry struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// TaskState is the workspace's task.json: the durable record of one
// agent's work-in-progress, re-entrant across process restarts.
type TaskState struct {
	TaskID                     string              `json:"taskId"`
	Topic                      string              `json:"topic"`
	Status                     TaskStatus          `json:"status"`
	LastActiveAt               time.Time           `json:"lastActiveAt"`
	FailureReason              string              `json:"failureReason,omitempty"`
	Persona                    string              `json:"persona"`
	SelectedToolIDs            []string            `json:"selectedToolIds"`
	Conversation               []ConversationEntry `json:"conversation"`
	Progress                   TaskProgress        `json:"progress"`
	ParentAgentID              string              `json:"parentAgentId,omitempty"`
	ChildAgentIDs              []string            `json:"childAgentIds"`
	OriginalMessageIndices     []int               `json:"originalMessageIndices"`
	OriginalConversationSnapshot []ConversationEntry `json:"originalConversationSnapshot"`
}

// Touch marks the task as active at the current moment.
func (t *TaskState) Touch() {
	t.LastActiveAt = time.Now()
	t.Status = TaskStatusActive
}

// MarkCompleted finalizes the task; the workspace writer is responsible
// for deleting task.json once this is persisted (presence implies
// incomplete, per spec.md §3).
func (t *TaskState) MarkCompleted() {
	t.Status = TaskStatusCompleted
	t.LastActiveAt = time.Now()
}

// MarkFailed finalizes the task with a reason.
func (t *TaskState) MarkFailed(reason string) {
	t.Status = TaskStatusFailed
	t.FailureReason = reason
	t.LastActiveAt = time.Now()
}
