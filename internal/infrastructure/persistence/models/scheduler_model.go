package models

import "time"

// DeferredTaskModel is the gorm-backed record of a one-shot deferred
// task (entity.DeferredTask), armed on the Deferred Scheduler's single
// re-armed timer.
type DeferredTaskModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	UserID         string `gorm:"index;size:64;not null"`
	SessionID      string `gorm:"size:64"`
	OriginalPrompt string `gorm:"type:text;not null"`
	DeferredBy     string `gorm:"size:64"`
	DeferReason    string `gorm:"type:text"`
	ScheduledFor   time.Time `gorm:"index"`
	Priority       string    `gorm:"size:8"`
	Status         string    `gorm:"size:16;index"`
	Attempts       int
	MaxAttempts    int
	LastError      string `gorm:"type:text"`
	Context        string `gorm:"type:text"` // JSON encoded map[string]string
	ThreadIDs      string `gorm:"type:text"` // JSON encoded []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName names the deferred_tasks table.
func (DeferredTaskModel) TableName() string {
	return "deferred_tasks"
}

// RecurringTaskModel is the gorm-backed record of a repeating task
// (entity.RecurringTask), driven by the Recurring Scheduler.
type RecurringTaskModel struct {
	ID                  string `gorm:"primaryKey;size:64"`
	UserID              string `gorm:"index;size:64;not null"`
	Name                string `gorm:"size:128"`
	Prompt              string `gorm:"type:text;not null"`
	ScheduleType        string `gorm:"size:16"`
	CronExpr            string `gorm:"size:64"`
	IntervalSecs        int64
	AtHour              int
	AtMinute            int
	Weekday             int
	Timezone            string `gorm:"size:64"`
	Priority            string `gorm:"size:8"`
	Status              string `gorm:"size:16;index"`
	NextRunAt           time.Time `gorm:"index"`
	LastRunAt           *time.Time
	ConsecutiveFailures int
	MaxFailures         int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TableName names the recurring_tasks table.
func (RecurringTaskModel) TableName() string {
	return "recurring_tasks"
}
