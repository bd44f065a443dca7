package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cortexrt/assistant/internal/domain/entity"
)

type fakeRecurringStore struct {
	mu    sync.Mutex
	tasks map[string]*entity.RecurringTask
}

func newFakeRecurringStore(tasks ...*entity.RecurringTask) *fakeRecurringStore {
	s := &fakeRecurringStore{tasks: map[string]*entity.RecurringTask{}}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *fakeRecurringStore) SaveRecurringTask(ctx context.Context, task *entity.RecurringTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *fakeRecurringStore) ListActiveRecurringTasks(ctx context.Context) ([]*entity.RecurringTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.RecurringTask
	for _, t := range s.tasks {
		if t.Status == entity.RecurringStatusActive {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeRecurringRunner struct {
	mu      sync.Mutex
	failFor map[string]error
	ran     []string
}

func (r *fakeRecurringRunner) RunRecurringTask(ctx context.Context, task *entity.RecurringTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, task.ID)
	return r.failFor[task.ID]
}

func TestRecurringScheduler_FireAggregatesRunnerErrors(t *testing.T) {
	ok := &entity.RecurringTask{
		ID:        "ok-task",
		Status:    entity.RecurringStatusActive,
		NextRunAt: time.Now().Add(-time.Minute),
		Schedule:  entity.RecurringSchedule{Type: entity.ScheduleInterval, IntervalSecs: 3600},
		Timezone:  "UTC",
	}
	failing := &entity.RecurringTask{
		ID:        "failing-task",
		Status:    entity.RecurringStatusActive,
		NextRunAt: time.Now().Add(-time.Minute),
		Schedule:  entity.RecurringSchedule{Type: entity.ScheduleInterval, IntervalSecs: 3600},
		Timezone:  "UTC",
	}

	store := newFakeRecurringStore(ok, failing)
	runner := &fakeRecurringRunner{failFor: map[string]error{"failing-task": errors.New("downstream boom")}}

	sched := NewRecurringScheduler(store, runner, zap.NewNop())
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	sched.fire()
	// fire() dispatches via safego.Go; give the goroutines a moment.
	time.Sleep(50 * time.Millisecond)

	runner.mu.Lock()
	ranIDs := append([]string(nil), runner.ran...)
	runner.mu.Unlock()
	assert.ElementsMatch(t, []string{"ok-task", "failing-task"}, ranIDs)

	assert.Equal(t, 0, ok.ConsecutiveFailures)
	assert.Equal(t, 1, failing.ConsecutiveFailures)
}

func TestRecurringScheduler_CancelsOnMaxFailures(t *testing.T) {
	task := &entity.RecurringTask{
		ID:          "flaky",
		Status:      entity.RecurringStatusActive,
		MaxFailures: 2,
		Schedule:    entity.RecurringSchedule{Type: entity.ScheduleHourly},
		Timezone:    "UTC",
	}

	task.RecordFailure(time.Now())
	assert.Equal(t, entity.RecurringStatusActive, task.Status)

	task.RecordFailure(time.Now())
	assert.Equal(t, entity.RecurringStatusCancelled, task.Status)
}
