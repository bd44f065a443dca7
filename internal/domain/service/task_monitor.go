package service

import (
	"context"
	"sync"
	"time"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"github.com/cortexrt/assistant/pkg/safego"
	"go.uber.org/zap"
)

// TaskEscalator is invoked when a monitored task's timer fires without
// the task having been extended or completed — spec.md §4.13's
// escalation path (surfacing a "this is taking a while" notice and
// widening the estimate).
type TaskEscalator interface {
	EscalateStalledTask(ctx context.Context, agentID string, task *entity.TaskState) error
}

// TaskMonitor arms one time.Timer per active task at its classification's
// default estimate (entity.IntakeClassification.DefaultTimerEstimateMS),
// re-arming on every Touch call rather than polling — same
// single-timer-per-unit shape as DeferredScheduler/RecurringScheduler,
// scaled down from "one timer for the earliest of N tasks" to "one timer
// per task" since each task's estimate is independent.
type TaskMonitor struct {
	escalator TaskEscalator
	logger    *zap.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer // agentID -> timer
	tasks   map[string]*entity.TaskState
}

// NewTaskMonitor builds the monitor.
func NewTaskMonitor(escalator TaskEscalator, logger *zap.Logger) *TaskMonitor {
	return &TaskMonitor{
		escalator: escalator,
		logger:    logger,
		timers:    make(map[string]*time.Timer),
		tasks:     make(map[string]*entity.TaskState),
	}
}

// Arm starts (or restarts) the timer for a task at its classification's
// default estimate.
func (m *TaskMonitor) Arm(agentID string, task *entity.TaskState, classification entity.IntakeClassification) {
	m.arm(agentID, task, time.Duration(classification.DefaultTimerEstimateMS())*time.Millisecond)
}

// Touch restarts a task's timer at the given extension duration, called
// whenever the task makes forward progress (a step
// completes) so a long-but-healthy task is never falsely escalated.
func (m *TaskMonitor) Touch(agentID string, task *entity.TaskState, extension time.Duration) {
	m.arm(agentID, task, extension)
}

// Cancel disarms a task's timer, e.g. on completion or failure.
func (m *TaskMonitor) Cancel(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[agentID]; ok {
		t.Stop()
		delete(m.timers, agentID)
	}
	delete(m.tasks, agentID)
}

func (m *TaskMonitor) arm(agentID string, task *entity.TaskState, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[agentID]; ok {
		t.Stop()
	}
	m.tasks[agentID] = task
	m.timers[agentID] = time.AfterFunc(d, func() { m.fire(agentID) })
}

func (m *TaskMonitor) fire(agentID string) {
	m.mu.Lock()
	task, ok := m.tasks[agentID]
	m.mu.Unlock()
	if !ok {
		return
	}

	safego.Go(m.logger, "task-monitor-escalate", func() {
		if err := m.escalator.EscalateStalledTask(context.Background(), agentID, task); err != nil {
			m.logger.Error("task monitor: escalate stalled task", zap.String("agent", agentID), zap.Error(err))
		}
	})
}
