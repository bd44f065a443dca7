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

type fakeDeferredStore struct {
	mu               sync.Mutex
	tasks            map[string]*entity.DeferredTask
	listPendingCalls int
}

func newFakeDeferredStore() *fakeDeferredStore {
	return &fakeDeferredStore{tasks: map[string]*entity.DeferredTask{}}
}

func (s *fakeDeferredStore) SaveDeferredTask(ctx context.Context, task *entity.DeferredTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *fakeDeferredStore) ListDueDeferredTasks(ctx context.Context, before time.Time) ([]*entity.DeferredTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.DeferredTask
	for _, t := range s.tasks {
		if t.IsDue(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeDeferredStore) ListPendingDeferredTasks(ctx context.Context) ([]*entity.DeferredTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listPendingCalls++
	var out []*entity.DeferredTask
	for _, t := range s.tasks {
		if t.Status == entity.DeferredStatusPending {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeDeferredRunner struct{}

func (fakeDeferredRunner) RunDeferredTask(ctx context.Context, task *entity.DeferredTask) error {
	return nil
}

// fakeEarliestCache is an in-memory stand-in for the Redis-backed
// implementation, exercising the same interface the scheduler consumes.
type fakeEarliestCache struct {
	mu    sync.Mutex
	val   time.Time
	valid bool
}

func (c *fakeEarliestCache) Get(ctx context.Context) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.valid
}

func (c *fakeEarliestCache) Set(ctx context.Context, earliest time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val, c.valid = earliest, true
}

func (c *fakeEarliestCache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}

func TestDeferredScheduler_DeferSkipsListWhenCacheSaysLater(t *testing.T) {
	store := newFakeDeferredStore()
	cache := &fakeEarliestCache{}
	sched := NewDeferredScheduler(store, fakeDeferredRunner{}, zap.NewNop()).WithEarliestDueCache(cache)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	earlier := &entity.DeferredTask{
		ID: "earlier", Status: entity.DeferredStatusPending,
		ScheduledFor: time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, sched.Defer(context.Background(), earlier))
	baseline := store.listPendingCalls

	later := &entity.DeferredTask{
		ID: "later", Status: entity.DeferredStatusPending,
		ScheduledFor: time.Now().Add(time.Hour),
	}
	require.NoError(t, sched.Defer(context.Background(), later))

	assert.Equal(t, baseline, store.listPendingCalls, "cache hit should skip the store round trip")
}

func TestDeferredScheduler_DeferRearmsWhenCacheMisses(t *testing.T) {
	store := newFakeDeferredStore()
	sched := NewDeferredScheduler(store, fakeDeferredRunner{}, zap.NewNop())

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	task := &entity.DeferredTask{
		ID: "t1", Status: entity.DeferredStatusPending,
		ScheduledFor: time.Now().Add(time.Minute),
	}
	require.NoError(t, sched.Defer(context.Background(), task))
	assert.True(t, store.listPendingCalls > 0)
}

// scriptedDeferredRunner returns errs[call] for the call-th invocation
// (0-indexed), then nil for every call beyond len(errs).
type scriptedDeferredRunner struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (r *scriptedDeferredRunner) RunDeferredTask(ctx context.Context, task *entity.DeferredTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.calls
	r.calls++
	if idx < len(r.errs) {
		return r.errs[idx]
	}
	return nil
}

// TestDeferredScheduler_RetriesWithBackoffThenCompletes exercises
// Testable Scenario #5 (spec.md): a task whose execute callback fails
// twice and succeeds the third time ends up completed with attempts=3
// and lastError preserved from the second (last failing) attempt.
func TestDeferredScheduler_RetriesWithBackoffThenCompletes(t *testing.T) {
	store := newFakeDeferredStore()
	runner := &scriptedDeferredRunner{errs: []error{errors.New("boom1"), errors.New("boom2")}}
	sched := NewDeferredScheduler(store, runner, zap.NewNop()).
		WithRetryPolicy(4, time.Millisecond, 5*time.Millisecond, 3)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	task := &entity.DeferredTask{
		ID:           "flaky",
		Status:       entity.DeferredStatusPending,
		ScheduledFor: time.Now().Add(-time.Second),
		MaxAttempts:  3,
	}
	require.NoError(t, sched.Defer(context.Background(), task))

	require.Eventually(t, func() bool {
		sched.fire()
		time.Sleep(20 * time.Millisecond)
		return task.Status == entity.DeferredStatusCompleted
	}, time.Second, 10*time.Millisecond, "task should eventually complete after retries")

	assert.Equal(t, 3, task.Attempts)
	assert.Equal(t, "boom2", task.LastError)
}

// TestDeferredScheduler_ExpiresAfterExhaustingRetries covers the
// opposite edge: a task that never succeeds is marked expired once
// Attempts reaches MaxAttempts, instead of retrying forever.
func TestDeferredScheduler_ExpiresAfterExhaustingRetries(t *testing.T) {
	store := newFakeDeferredStore()
	runner := &scriptedDeferredRunner{errs: []error{
		errors.New("boom1"), errors.New("boom2"), errors.New("boom3"),
	}}
	sched := NewDeferredScheduler(store, runner, zap.NewNop()).
		WithRetryPolicy(4, time.Millisecond, 5*time.Millisecond, 2)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	task := &entity.DeferredTask{
		ID:           "doomed",
		Status:       entity.DeferredStatusPending,
		ScheduledFor: time.Now().Add(-time.Second),
		MaxAttempts:  2,
	}
	require.NoError(t, sched.Defer(context.Background(), task))

	require.Eventually(t, func() bool {
		sched.fire()
		time.Sleep(20 * time.Millisecond)
		return task.Status == entity.DeferredStatusExpired
	}, time.Second, 10*time.Millisecond, "task should expire once retries are exhausted")

	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, "boom2", task.LastError)
}
