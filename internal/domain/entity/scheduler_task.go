package entity

import "time"

// TaskPriority orders deferred and recurring work for the schedulers
// (spec.md §4.14/§4.15).
type TaskPriority string

const (
	PriorityP0 TaskPriority = "P0"
	PriorityP1 TaskPriority = "P1"
	PriorityP2 TaskPriority = "P2"
	PriorityP3 TaskPriority = "P3"
)

// DeferredStatus is the lifecycle of a one-shot deferred task.
type DeferredStatus string

const (
	DeferredStatusPending   DeferredStatus = "pending"
	DeferredStatusRunning   DeferredStatus = "running"
	DeferredStatusCompleted DeferredStatus = "completed"
	DeferredStatusFailed    DeferredStatus = "failed"
	DeferredStatusCancelled DeferredStatus = "cancelled"
	DeferredStatusExpired   DeferredStatus = "expired"
)

// DeferredTask is a one-shot "remind me" / "follow up later" task armed on
// the Deferred Scheduler's single re-armed timer (spec.md §4.14).
type DeferredTask struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId"`
	SessionID       string            `json:"sessionId"`
	OriginalPrompt  string            `json:"originalPrompt"`
	DeferredBy      string            `json:"deferredBy"`
	DeferReason     string            `json:"deferReason"`
	ScheduledFor    time.Time         `json:"scheduledFor"`
	Priority        TaskPriority      `json:"priority"`
	Status          DeferredStatus    `json:"status"`
	Attempts        int               `json:"attempts"`
	MaxAttempts     int               `json:"maxAttempts"`
	LastError       string            `json:"lastError,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	ThreadIDs       []string          `json:"threadIds,omitempty"`
}

// IsDue reports whether the task's scheduled time has arrived.
func (t *DeferredTask) IsDue(now time.Time) bool {
	return t.Status == DeferredStatusPending && !now.Before(t.ScheduledFor)
}

// ExhaustedRetries reports whether the task has used up its attempt budget.
func (t *DeferredTask) ExhaustedRetries() bool {
	return t.Attempts >= t.MaxAttempts
}

// RecurringScheduleType names the cadence shape of a recurring task.
type RecurringScheduleType string

const (
	ScheduleDaily    RecurringScheduleType = "daily"
	ScheduleWeekly   RecurringScheduleType = "weekly"
	ScheduleHourly   RecurringScheduleType = "hourly"
	ScheduleInterval RecurringScheduleType = "interval"
	ScheduleCron     RecurringScheduleType = "cron"
)

// RecurringSchedule describes when a recurring task fires. Type selects
// which type-specific fields are meaningful (see the per-field notes).
type RecurringSchedule struct {
	Type         RecurringScheduleType `json:"type"`
	CronExpr     string                `json:"cronExpr,omitempty"`     // Type == cron, 5-field robfig/cron syntax
	IntervalSecs int64                 `json:"intervalSecs,omitempty"` // Type == interval
	AtHour       int                   `json:"atHour,omitempty"`       // Type == daily/weekly
	AtMinute     int                   `json:"atMinute,omitempty"`     // Type == daily/weekly
	Weekday      time.Weekday          `json:"weekday,omitempty"`      // Type == weekly
}

// RecurringStatus is the lifecycle of a recurring task.
type RecurringStatus string

const (
	RecurringStatusActive    RecurringStatus = "active"
	RecurringStatusPaused    RecurringStatus = "paused"
	RecurringStatusCancelled RecurringStatus = "cancelled"
)

// RecurringTask is a repeating task managed by the Recurring Scheduler
// (spec.md §4.15); robfig/cron computes the next run only for Type == cron.
type RecurringTask struct {
	ID                  string            `json:"id"`
	UserID              string            `json:"userId"`
	Name                string            `json:"name"`
	Prompt              string            `json:"prompt"`
	Schedule            RecurringSchedule `json:"schedule"`
	Timezone            string            `json:"timezone"`
	Priority            TaskPriority      `json:"priority"`
	Status              RecurringStatus   `json:"status"`
	NextRunAt           time.Time         `json:"nextRunAt"`
	LastRunAt           *time.Time        `json:"lastRunAt,omitempty"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	MaxFailures         int               `json:"maxFailures"`
}

// ShouldCancel reports whether consecutive failures have crossed the
// configured threshold, per spec.md §4.15's failure-cancellation rule.
func (r *RecurringTask) ShouldCancel() bool {
	return r.MaxFailures > 0 && r.ConsecutiveFailures >= r.MaxFailures
}

// RecordSuccess resets the failure streak and marks the last run time.
func (r *RecurringTask) RecordSuccess(at time.Time) {
	r.LastRunAt = &at
	r.ConsecutiveFailures = 0
}

// RecordFailure increments the failure streak and cancels the task once
// consecutive failures cross MaxFailures (spec.md §4.15: "Consecutive
// failures beyond maxFailures cancel the task" — terminal, not resumable).
func (r *RecurringTask) RecordFailure(at time.Time) {
	r.LastRunAt = &at
	r.ConsecutiveFailures++
	if r.ShouldCancel() {
		r.Status = RecurringStatusCancelled
	}
}
