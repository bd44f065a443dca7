package service

import (
	"context"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"github.com/cortexrt/assistant/pkg/safego"
	"go.uber.org/zap"
)

// AgentSpawner starts a fresh agent cycle (intake has already run; this
// re-enters at recruit/plan) for a handoff brief, returning the new
// agent's id.
type AgentSpawner interface {
	SpawnFromHandoff(ctx context.Context, deviceID, handoffBrief string) (agentID string, err error)
}

// HandoffBriefBuilder composes a handoff brief from a finished agent's
// plan and its queued follow-up requests, per spec.md §4.8's QUEUE
// dispatch.
type HandoffBriefBuilder interface {
	BuildHandoffBrief(ctx context.Context, finishedAgentID string, queue []entity.QueueEntry) (string, error)
}

// QueueExecutor spawns a fresh agent in the same device's workspace once
// a target agent finishes, continuing any requests that were queued
// behind it while it ran. Grounded on the teacher's safego.Go
// fire-and-forget background task idiom — spawning must not block the
// caller (the Step-Executor/Task Monitor path that observed completion).
type QueueExecutor struct {
	spawner AgentSpawner
	briefer HandoffBriefBuilder
	logger  *zap.Logger
}

// NewQueueExecutor builds the executor.
func NewQueueExecutor(spawner AgentSpawner, briefer HandoffBriefBuilder, logger *zap.Logger) *QueueExecutor {
	return &QueueExecutor{spawner: spawner, briefer: briefer, logger: logger}
}

// OnAgentFinished is called once a target agent completes, stops, or is
// escalated away. If it has a non-empty queue, a new agent is spawned
// with a handoff brief; otherwise this is a no-op.
func (q *QueueExecutor) OnAgentFinished(deviceID, finishedAgentID string, queue []entity.QueueEntry) {
	if len(queue) == 0 {
		return
	}
	safego.Go(q.logger, "queue-executor-handoff", func() {
		ctx := context.Background()
		brief, err := q.briefer.BuildHandoffBrief(ctx, finishedAgentID, queue)
		if err != nil {
			q.logger.Error("queue executor: build handoff brief", zap.String("agent", finishedAgentID), zap.Error(err))
			return
		}
		newAgentID, err := q.spawner.SpawnFromHandoff(ctx, deviceID, brief)
		if err != nil {
			q.logger.Error("queue executor: spawn handoff agent", zap.String("agent", finishedAgentID), zap.Error(err))
			return
		}
		q.logger.Info("queue executor: spawned handoff agent",
			zap.String("from", finishedAgentID), zap.String("to", newAgentID))
	})
}
