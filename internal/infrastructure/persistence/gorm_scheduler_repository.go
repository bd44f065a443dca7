package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"github.com/cortexrt/assistant/internal/infrastructure/persistence/models"
	domainErrors "github.com/cortexrt/assistant/pkg/errors"
	"gorm.io/gorm"
)

// GormSchedulerRepository implements service.DeferredTaskStore and
// service.RecurringTaskStore over gorm, grounded on the teacher's
// CronService db-backed job persistence
// (internal/interfaces/telegram/cron_service.go: load on Start, persist
// after every mutation) generalized from raw database/sql queries to
// gorm models the way the rest of this package already does.
type GormSchedulerRepository struct {
	db *gorm.DB
}

// NewGormSchedulerRepository builds the repository.
func NewGormSchedulerRepository(db *gorm.DB) *GormSchedulerRepository {
	return &GormSchedulerRepository{db: db}
}

// SaveDeferredTask implements service.DeferredTaskStore.
func (r *GormSchedulerRepository) SaveDeferredTask(ctx context.Context, task *entity.DeferredTask) error {
	model, err := deferredToModel(task)
	if err != nil {
		return domainErrors.NewInternalError("failed to encode deferred task: " + err.Error())
	}
	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		return domainErrors.NewInternalError("failed to save deferred task: " + err.Error())
	}
	return nil
}

// ListDueDeferredTasks implements service.DeferredTaskStore.
func (r *GormSchedulerRepository) ListDueDeferredTasks(ctx context.Context, before time.Time) ([]*entity.DeferredTask, error) {
	var rows []models.DeferredTaskModel
	if err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", string(entity.DeferredStatusPending), before).
		Find(&rows).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to list due deferred tasks: " + err.Error())
	}
	return deferredModelsToEntities(rows)
}

// ListPendingDeferredTasks implements service.DeferredTaskStore.
func (r *GormSchedulerRepository) ListPendingDeferredTasks(ctx context.Context) ([]*entity.DeferredTask, error) {
	var rows []models.DeferredTaskModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", string(entity.DeferredStatusPending)).
		Find(&rows).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to list pending deferred tasks: " + err.Error())
	}
	return deferredModelsToEntities(rows)
}

// SaveRecurringTask implements service.RecurringTaskStore.
func (r *GormSchedulerRepository) SaveRecurringTask(ctx context.Context, task *entity.RecurringTask) error {
	model := recurringToModel(task)
	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		return domainErrors.NewInternalError("failed to save recurring task: " + err.Error())
	}
	return nil
}

// ListActiveRecurringTasks implements service.RecurringTaskStore.
func (r *GormSchedulerRepository) ListActiveRecurringTasks(ctx context.Context) ([]*entity.RecurringTask, error) {
	var rows []models.RecurringTaskModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", string(entity.RecurringStatusActive)).
		Find(&rows).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to list active recurring tasks: " + err.Error())
	}
	out := make([]*entity.RecurringTask, 0, len(rows))
	for i := range rows {
		out = append(out, recurringModelToEntity(&rows[i]))
	}
	return out, nil
}

// ListRecurringTasksForUser implements the Schedulers HTTP surface's
// "GET tasks for user" endpoint (spec.md §6).
func (r *GormSchedulerRepository) ListRecurringTasksForUser(ctx context.Context, userID string) ([]*entity.RecurringTask, error) {
	var rows []models.RecurringTaskModel
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to list recurring tasks for user: " + err.Error())
	}
	out := make([]*entity.RecurringTask, 0, len(rows))
	for i := range rows {
		out = append(out, recurringModelToEntity(&rows[i]))
	}
	return out, nil
}

// GetRecurringTask loads one recurring task by id.
func (r *GormSchedulerRepository) GetRecurringTask(ctx context.Context, id string) (*entity.RecurringTask, error) {
	var row models.RecurringTaskModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, domainErrors.NewNotFoundError("recurring task not found: " + id)
	}
	return recurringModelToEntity(&row), nil
}

// DeleteRecurringTask implements the Schedulers HTTP surface's DELETE
// endpoint.
func (r *GormSchedulerRepository) DeleteRecurringTask(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&models.RecurringTaskModel{}, "id = ?", id).Error; err != nil {
		return domainErrors.NewInternalError("failed to delete recurring task: " + err.Error())
	}
	return nil
}

// SetRecurringTaskStatus implements the Schedulers HTTP surface's
// PAUSE/RESUME endpoints.
func (r *GormSchedulerRepository) SetRecurringTaskStatus(ctx context.Context, id string, status entity.RecurringStatus) error {
	if err := r.db.WithContext(ctx).
		Model(&models.RecurringTaskModel{}).
		Where("id = ?", id).
		Update("status", string(status)).Error; err != nil {
		return domainErrors.NewInternalError("failed to set recurring task status: " + err.Error())
	}
	return nil
}

// CountPendingDeferred implements the Schedulers HTTP surface's GET stats
// endpoint.
func (r *GormSchedulerRepository) CountPendingDeferred(ctx context.Context) (int, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.DeferredTaskModel{}).
		Where("status = ?", string(entity.DeferredStatusPending)).
		Count(&count).Error; err != nil {
		return 0, domainErrors.NewInternalError("failed to count pending deferred tasks: " + err.Error())
	}
	return int(count), nil
}

// CountActiveRecurring implements the Schedulers HTTP surface's GET stats
// endpoint.
func (r *GormSchedulerRepository) CountActiveRecurring(ctx context.Context) (int, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.RecurringTaskModel{}).
		Where("status = ?", string(entity.RecurringStatusActive)).
		Count(&count).Error; err != nil {
		return 0, domainErrors.NewInternalError("failed to count active recurring tasks: " + err.Error())
	}
	return int(count), nil
}

func deferredToModel(t *entity.DeferredTask) (*models.DeferredTaskModel, error) {
	ctxJSON, err := json.Marshal(t.Context)
	if err != nil {
		return nil, err
	}
	threadsJSON, err := json.Marshal(t.ThreadIDs)
	if err != nil {
		return nil, err
	}
	return &models.DeferredTaskModel{
		ID:             t.ID,
		UserID:         t.UserID,
		SessionID:      t.SessionID,
		OriginalPrompt: t.OriginalPrompt,
		DeferredBy:     t.DeferredBy,
		DeferReason:    t.DeferReason,
		ScheduledFor:   t.ScheduledFor,
		Priority:       string(t.Priority),
		Status:         string(t.Status),
		Attempts:       t.Attempts,
		MaxAttempts:    t.MaxAttempts,
		LastError:      t.LastError,
		Context:        string(ctxJSON),
		ThreadIDs:      string(threadsJSON),
	}, nil
}

func deferredModelsToEntities(rows []models.DeferredTaskModel) ([]*entity.DeferredTask, error) {
	out := make([]*entity.DeferredTask, 0, len(rows))
	for i := range rows {
		m := &rows[i]
		var ctxMap map[string]string
		_ = json.Unmarshal([]byte(m.Context), &ctxMap)
		var threads []string
		_ = json.Unmarshal([]byte(m.ThreadIDs), &threads)

		out = append(out, &entity.DeferredTask{
			ID:             m.ID,
			UserID:         m.UserID,
			SessionID:      m.SessionID,
			OriginalPrompt: m.OriginalPrompt,
			DeferredBy:     m.DeferredBy,
			DeferReason:    m.DeferReason,
			ScheduledFor:   m.ScheduledFor,
			Priority:       entity.TaskPriority(m.Priority),
			Status:         entity.DeferredStatus(m.Status),
			Attempts:       m.Attempts,
			MaxAttempts:    m.MaxAttempts,
			LastError:      m.LastError,
			Context:        ctxMap,
			ThreadIDs:      threads,
		})
	}
	return out, nil
}

func recurringToModel(t *entity.RecurringTask) *models.RecurringTaskModel {
	return &models.RecurringTaskModel{
		ID:                  t.ID,
		UserID:               t.UserID,
		Name:                 t.Name,
		Prompt:               t.Prompt,
		ScheduleType:         string(t.Schedule.Type),
		CronExpr:             t.Schedule.CronExpr,
		IntervalSecs:         t.Schedule.IntervalSecs,
		AtHour:               t.Schedule.AtHour,
		AtMinute:             t.Schedule.AtMinute,
		Weekday:              int(t.Schedule.Weekday),
		Timezone:             t.Timezone,
		Priority:             string(t.Priority),
		Status:               string(t.Status),
		NextRunAt:            t.NextRunAt,
		LastRunAt:            t.LastRunAt,
		ConsecutiveFailures:  t.ConsecutiveFailures,
		MaxFailures:          t.MaxFailures,
	}
}

func recurringModelToEntity(m *models.RecurringTaskModel) *entity.RecurringTask {
	return &entity.RecurringTask{
		ID:     m.ID,
		UserID: m.UserID,
		Name:   m.Name,
		Prompt: m.Prompt,
		Schedule: entity.RecurringSchedule{
			Type:         entity.RecurringScheduleType(m.ScheduleType),
			CronExpr:     m.CronExpr,
			IntervalSecs: m.IntervalSecs,
			AtHour:       m.AtHour,
			AtMinute:     m.AtMinute,
			Weekday:      time.Weekday(m.Weekday),
		},
		Timezone:            m.Timezone,
		Priority:             entity.TaskPriority(m.Priority),
		Status:               entity.RecurringStatus(m.Status),
		NextRunAt:            m.NextRunAt,
		LastRunAt:            m.LastRunAt,
		ConsecutiveFailures:  m.ConsecutiveFailures,
		MaxFailures:          m.MaxFailures,
	}
}
