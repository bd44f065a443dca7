package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"github.com/cortexrt/assistant/pkg/safego"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RecurringTaskStore persists recurring tasks; backed by gorm in the
// infrastructure layer.
type RecurringTaskStore interface {
	SaveRecurringTask(ctx context.Context, task *entity.RecurringTask) error
	ListActiveRecurringTasks(ctx context.Context) ([]*entity.RecurringTask, error)
}

// RecurringTaskRunner dispatches a recurring task's prompt back through
// the normal pipeline.
type RecurringTaskRunner interface {
	RunRecurringTask(ctx context.Context, task *entity.RecurringTask) error
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes a RecurringSchedule's next fire time after `after`, in
// the task's IANA timezone. Cron-type schedules are delegated to
// robfig/cron's Parser (5-field, minute-resolution); the other types are
// computed directly against time.Date in the zone's Location the same
// way the teacher's calculateNextRun builds time.Date in now.Location()
// (internal/interfaces/telegram/cron_service.go), generalized from a
// fixed local clock to an explicit per-task zone so DST transitions are
// handled by time.Date/time.LoadLocation rather than offset arithmetic.
func NextRun(sched entity.RecurringSchedule, timezone string, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	local := after.In(loc)

	switch sched.Type {
	case entity.ScheduleCron:
		schedule, err := cronParser.Parse(sched.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("recurring scheduler: invalid cron expr %q: %w", sched.CronExpr, err)
		}
		return schedule.Next(local), nil

	case entity.ScheduleInterval:
		if sched.IntervalSecs <= 0 {
			return time.Time{}, fmt.Errorf("recurring scheduler: interval schedule requires intervalSecs > 0")
		}
		return after.Add(time.Duration(sched.IntervalSecs) * time.Second), nil

	case entity.ScheduleHourly:
		next := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), sched.AtMinute, 0, 0, loc)
		if !next.After(local) {
			next = next.Add(time.Hour)
		}
		return next, nil

	case entity.ScheduleDaily:
		next := time.Date(local.Year(), local.Month(), local.Day(), sched.AtHour, sched.AtMinute, 0, 0, loc)
		if !next.After(local) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case entity.ScheduleWeekly:
		next := time.Date(local.Year(), local.Month(), local.Day(), sched.AtHour, sched.AtMinute, 0, 0, loc)
		daysUntil := (int(sched.Weekday) - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, daysUntil)
		if !next.After(local) {
			next = next.AddDate(0, 0, 7)
		}
		return next, nil

	default:
		return time.Time{}, fmt.Errorf("recurring scheduler: unknown schedule type %q", sched.Type)
	}
}

// RecurringScheduler arms a single re-armed time.Timer pointed at the
// earliest NextRunAt among all active tasks, same shape as
// DeferredScheduler, generalized with robfig/cron for cron-type
// cadences (spec.md §4.15).
type RecurringScheduler struct {
	store  RecurringTaskStore
	runner RecurringTaskRunner
	logger *zap.Logger

	mu    sync.Mutex
	timer *time.Timer
	ctx   context.Context
	cancel context.CancelFunc
}

// NewRecurringScheduler builds the scheduler.
func NewRecurringScheduler(store RecurringTaskStore, runner RecurringTaskRunner, logger *zap.Logger) *RecurringScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &RecurringScheduler{store: store, runner: runner, logger: logger, ctx: ctx, cancel: cancel}
}

// Start loads active tasks and arms the first timer.
func (s *RecurringScheduler) Start(ctx context.Context) error {
	tasks, err := s.store.ListActiveRecurringTasks(ctx)
	if err != nil {
		return err
	}
	s.rearm(tasks)
	return nil
}

// Stop cancels the scheduler and disarms its timer.
func (s *RecurringScheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}

// Upsert saves a recurring task (new or edited) and re-arms the timer.
func (s *RecurringScheduler) Upsert(ctx context.Context, task *entity.RecurringTask) error {
	if err := s.store.SaveRecurringTask(ctx, task); err != nil {
		return err
	}
	tasks, err := s.store.ListActiveRecurringTasks(ctx)
	if err != nil {
		return err
	}
	s.rearm(tasks)
	return nil
}

// Refresh re-lists active tasks and re-arms the timer, for callers that
// mutated a task through the store directly (delete, pause/resume)
// rather than through Upsert.
func (s *RecurringScheduler) Refresh(ctx context.Context) error {
	tasks, err := s.store.ListActiveRecurringTasks(ctx)
	if err != nil {
		return err
	}
	s.rearm(tasks)
	return nil
}

func (s *RecurringScheduler) rearm(tasks []*entity.RecurringTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	active := make([]*entity.RecurringTask, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == entity.RecurringStatusActive {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return
	}

	sort.Slice(active, func(i, j int) bool { return active[i].NextRunAt.Before(active[j].NextRunAt) })
	wait := time.Until(active[0].NextRunAt)
	if wait < 0 {
		wait = 0
	}
	s.timer = time.AfterFunc(wait, s.fire)
}

func (s *RecurringScheduler) fire() {
	safego.Go(s.logger, "recurring-scheduler-fire", func() {
		tasks, err := s.store.ListActiveRecurringTasks(s.ctx)
		if err != nil {
			s.logger.Error("recurring scheduler: list active tasks", zap.Error(err))
			return
		}

		now := time.Now()
		var due []*entity.RecurringTask
		for _, t := range tasks {
			if !t.NextRunAt.After(now) {
				due = append(due, t)
			}
		}

		var (
			wg       sync.WaitGroup
			pollErrs error
			errsMu   sync.Mutex
		)
		for _, task := range due {
			task := task
			wg.Add(1)
			safego.Go(s.logger, "recurring-task-run", func() {
				defer wg.Done()
				runErr := s.runner.RunRecurringTask(s.ctx, task)
				if runErr != nil {
					task.RecordFailure(time.Now())
					errsMu.Lock()
					pollErrs = multierr.Append(pollErrs, fmt.Errorf("task %s: %w", task.ID, runErr))
					errsMu.Unlock()
				} else {
					task.RecordSuccess(time.Now())
				}

				if task.Status == entity.RecurringStatusActive {
					next, err := NextRun(task.Schedule, task.Timezone, time.Now())
					if err != nil {
						errsMu.Lock()
						pollErrs = multierr.Append(pollErrs, fmt.Errorf("task %s: compute next run: %w", task.ID, err))
						errsMu.Unlock()
						task.Status = entity.RecurringStatusPaused
					} else {
						task.NextRunAt = next
					}
				}

				if err := s.store.SaveRecurringTask(s.ctx, task); err != nil {
					errsMu.Lock()
					pollErrs = multierr.Append(pollErrs, fmt.Errorf("task %s: save: %w", task.ID, err))
					errsMu.Unlock()
				}
			})
		}
		wg.Wait()
		if pollErrs != nil {
			s.logger.Error("recurring scheduler: poll errors", zap.Error(pollErrs), zap.Int("due", len(due)))
		}

		remaining, err := s.store.ListActiveRecurringTasks(s.ctx)
		if err != nil {
			s.logger.Error("recurring scheduler: list active tasks for rearm", zap.Error(err))
			return
		}
		s.rearm(remaining)
	})
}
