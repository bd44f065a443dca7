package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"github.com/cortexrt/assistant/pkg/safego"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DeferredTaskStore persists deferred tasks; backed by gorm in the
// infrastructure layer, matching the teacher's CronService db-backed
// job map.
type DeferredTaskStore interface {
	SaveDeferredTask(ctx context.Context, task *entity.DeferredTask) error
	ListDueDeferredTasks(ctx context.Context, before time.Time) ([]*entity.DeferredTask, error)
	ListPendingDeferredTasks(ctx context.Context) ([]*entity.DeferredTask, error)
}

// DeferredTaskRunner re-dispatches a deferred task back through the
// normal intake/recruit/plan pipeline.
type DeferredTaskRunner interface {
	RunDeferredTask(ctx context.Context, task *entity.DeferredTask) error
}

// EarliestDueCache fronts the "what's the earliest pending ScheduledFor"
// check with an optional hot-cache, so Defer doesn't need a store round
// trip just to decide whether the new task moved the timer earlier. A
// disabled cache (e.g. no Redis configured) always misses.
type EarliestDueCache interface {
	Get(ctx context.Context) (time.Time, bool)
	Set(ctx context.Context, earliest time.Time)
	Invalidate(ctx context.Context)
}

type noopEarliestDueCache struct{}

func (noopEarliestDueCache) Get(context.Context) (time.Time, bool) { return time.Time{}, false }
func (noopEarliestDueCache) Set(context.Context, time.Time)        {}
func (noopEarliestDueCache) Invalidate(context.Context)            {}

// Default retry policy applied when WithRetryPolicy is never called, or
// called with zero-valued fields (e.g. a SchedulerConfig left at its
// zero value in a test or an incomplete config file).
const (
	defaultMaxConcurrent    = 8
	defaultBackoffBase      = time.Second
	defaultBackoffCap       = time.Hour
	defaultMaxAttemptsCount = 3
)

// DeferredScheduler arms a single re-armed time.Timer pointed at the
// earliest pending task, instead of the teacher's 1-minute time.Ticker
// polling loop (internal/interfaces/telegram/cron_service.go's
// scheduleLoop/runDueJobs). This is a deliberate improvement over the
// teacher's own polling shape: spec.md §8 requires "at most one timer
// armed per scheduler", which a ticker cannot satisfy exactly.
type DeferredScheduler struct {
	store  DeferredTaskStore
	runner DeferredTaskRunner
	cache  EarliestDueCache
	logger *zap.Logger

	maxConcurrent int
	backoffBase   time.Duration
	backoffCap    time.Duration
	maxAttempts   int

	mu      sync.Mutex
	timer   *time.Timer
	armedAt time.Time
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewDeferredScheduler builds the scheduler. Call Start to load pending
// tasks and arm the first timer. The earliest-due hot-cache is disabled
// by default; use WithEarliestDueCache to wire a Redis-backed one. The
// retry policy (concurrency bound, backoff, default attempt budget)
// starts at sane built-in defaults; use WithRetryPolicy to wire
// SchedulerConfig.
func NewDeferredScheduler(store DeferredTaskStore, runner DeferredTaskRunner, logger *zap.Logger) *DeferredScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &DeferredScheduler{
		store:         store,
		runner:        runner,
		cache:         noopEarliestDueCache{},
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		maxConcurrent: defaultMaxConcurrent,
		backoffBase:   defaultBackoffBase,
		backoffCap:    defaultBackoffCap,
		maxAttempts:   defaultMaxAttemptsCount,
	}
}

// WithEarliestDueCache wires a hot-cache (typically Redis-backed) in
// front of the store's "list pending" query. Returns the scheduler for
// chaining at construction time.
func (s *DeferredScheduler) WithEarliestDueCache(cache EarliestDueCache) *DeferredScheduler {
	if cache != nil {
		s.cache = cache
	}
	return s
}

// WithRetryPolicy wires SchedulerConfig's concurrency bound, backoff
// curve, and default attempt budget (spec.md §4.14). Zero-valued fields
// keep the built-in default for that field.
func (s *DeferredScheduler) WithRetryPolicy(maxConcurrent int, backoffBase, backoffCap time.Duration, defaultMaxAttempts int) *DeferredScheduler {
	if maxConcurrent > 0 {
		s.maxConcurrent = maxConcurrent
	}
	if backoffBase > 0 {
		s.backoffBase = backoffBase
	}
	if backoffCap > 0 {
		s.backoffCap = backoffCap
	}
	if defaultMaxAttempts > 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	return s
}

// Start loads pending tasks from the store and arms the first timer.
func (s *DeferredScheduler) Start(ctx context.Context) error {
	tasks, err := s.store.ListPendingDeferredTasks(ctx)
	if err != nil {
		return err
	}
	s.rearm(tasks)
	return nil
}

// Stop cancels the scheduler and disarms its timer.
func (s *DeferredScheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}

// Defer adds a new deferred task and re-arms the timer if it is now the
// earliest pending task. If the hot-cache holds an earliest-due
// timestamp strictly before this task's ScheduledFor, the timer is
// already armed correctly and the store round trip is skipped.
func (s *DeferredScheduler) Defer(ctx context.Context, task *entity.DeferredTask) error {
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = s.maxAttempts
	}
	if task.Status == "" {
		task.Status = entity.DeferredStatusPending
	}

	if err := s.store.SaveDeferredTask(ctx, task); err != nil {
		return err
	}

	if cached, ok := s.cache.Get(ctx); ok && cached.Before(task.ScheduledFor) {
		return nil
	}

	pending, err := s.store.ListPendingDeferredTasks(ctx)
	if err != nil {
		return err
	}
	s.rearm(pending)
	return nil
}

// rearm sets the timer to fire at the earliest ScheduledFor among the
// given tasks, replacing any existing timer.
func (s *DeferredScheduler) rearm(pending []*entity.DeferredTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len(pending) == 0 {
		s.cache.Invalidate(s.ctx)
		return
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].ScheduledFor.Before(pending[j].ScheduledFor) })
	earliest := pending[0].ScheduledFor
	wait := time.Until(earliest)
	if wait < 0 {
		wait = 0
	}
	s.armedAt = earliest
	s.cache.Set(s.ctx, earliest)
	s.timer = time.AfterFunc(wait, s.fire)
}

// fire runs every due task, bounded to maxConcurrent in flight at once,
// then re-arms the timer at the next earliest pending task. Each task's
// outcome is persisted: success marks it completed, failure records the
// attempt and either reschedules with exponential backoff or, once
// ExhaustedRetries, marks it expired (spec.md §4.14/§7).
func (s *DeferredScheduler) fire() {
	safego.Go(s.logger, "deferred-scheduler-fire", func() {
		due, err := s.store.ListDueDeferredTasks(s.ctx, time.Now())
		if err != nil {
			s.logger.Error("deferred scheduler: list due tasks", zap.Error(err))
		}
		var (
			wg     sync.WaitGroup
			runErr error
			errsMu sync.Mutex
			sem    = make(chan struct{}, s.maxConcurrent)
		)
		for _, task := range due {
			task := task
			wg.Add(1)
			sem <- struct{}{}
			safego.Go(s.logger, "deferred-task-run", func() {
				defer wg.Done()
				defer func() { <-sem }()
				s.runOne(task, &errsMu, &runErr)
			})
		}
		wg.Wait()
		if runErr != nil {
			s.logger.Error("deferred scheduler: run errors", zap.Error(runErr), zap.Int("due", len(due)))
		}

		pending, err := s.store.ListPendingDeferredTasks(s.ctx)
		if err != nil {
			s.logger.Error("deferred scheduler: list pending tasks", zap.Error(err))
			return
		}
		s.rearm(pending)
	})
}

// runOne executes a single due task and persists its resulting
// lifecycle state, retrying with exponential backoff up to MaxAttempts
// before marking the task expired.
func (s *DeferredScheduler) runOne(task *entity.DeferredTask, errsMu *sync.Mutex, runErr *error) {
	appendErr := func(err error) {
		errsMu.Lock()
		*runErr = multierr.Append(*runErr, err)
		errsMu.Unlock()
	}

	task.Status = entity.DeferredStatusRunning
	if err := s.store.SaveDeferredTask(s.ctx, task); err != nil {
		appendErr(fmt.Errorf("task %s: mark running: %w", task.ID, err))
	}

	task.Attempts++
	if err := s.runner.RunDeferredTask(s.ctx, task); err != nil {
		task.LastError = err.Error()
		appendErr(fmt.Errorf("task %s: %w", task.ID, err))

		if task.ExhaustedRetries() {
			task.Status = entity.DeferredStatusExpired
		} else {
			task.Status = entity.DeferredStatusPending
			task.ScheduledFor = time.Now().Add(s.backoffDuration(task.Attempts))
		}
	} else {
		task.Status = entity.DeferredStatusCompleted
	}

	if err := s.store.SaveDeferredTask(s.ctx, task); err != nil {
		appendErr(fmt.Errorf("task %s: save result: %w", task.ID, err))
	}
}

// backoffDuration computes the exponential backoff wait before the
// attempt-th retry, doubling from backoffBase and capped at backoffCap.
func (s *DeferredScheduler) backoffDuration(attempts int) time.Duration {
	wait := s.backoffBase
	for i := 1; i < attempts; i++ {
		if wait >= s.backoffCap {
			return s.backoffCap
		}
		wait *= 2
	}
	if wait > s.backoffCap {
		wait = s.backoffCap
	}
	return wait
}
