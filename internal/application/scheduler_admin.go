package application

import (
	"github.com/gin-gonic/gin"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"github.com/cortexrt/assistant/internal/domain/service"
	"github.com/cortexrt/assistant/internal/infrastructure/persistence"
)

// SchedulerAdmin bridges handlers.StatsProvider and handlers.RecurringTaskAdmin
// to the already-complete GormSchedulerRepository/GormTokenRepository,
// whose method names and signatures (by-value gin.Context for stats,
// CountPendingDeferred/CountActiveRecurring, SaveRecurringTask) don't
// match the handler interfaces verbatim. It also re-arms the
// RecurringScheduler's timer after any mutation, since the repository
// alone has no notion of "what's the next due time."
type SchedulerAdmin struct {
	repo      *persistence.GormSchedulerRepository
	tokens    *persistence.GormTokenRepository
	recurring *service.RecurringScheduler
}

// NewSchedulerAdmin builds the admin bridge.
func NewSchedulerAdmin(repo *persistence.GormSchedulerRepository, tokens *persistence.GormTokenRepository, recurring *service.RecurringScheduler) *SchedulerAdmin {
	return &SchedulerAdmin{repo: repo, tokens: tokens, recurring: recurring}
}

// PendingDeferredCount implements handlers.StatsProvider.
func (a *SchedulerAdmin) PendingDeferredCount(ctx gin.Context) (int, error) {
	return a.repo.CountPendingDeferred(ctx.Request.Context())
}

// ActiveRecurringCount implements handlers.StatsProvider.
func (a *SchedulerAdmin) ActiveRecurringCount(ctx gin.Context) (int, error) {
	return a.repo.CountActiveRecurring(ctx.Request.Context())
}

// TotalTokensForDevice implements handlers.StatsProvider.
func (a *SchedulerAdmin) TotalTokensForDevice(ctx gin.Context, deviceID string) (int64, error) {
	return a.tokens.TotalTokensForDevice(ctx.Request.Context(), deviceID)
}

// ListRecurringTasksForUser implements handlers.RecurringTaskAdmin.
func (a *SchedulerAdmin) ListRecurringTasksForUser(c *gin.Context, userID string) ([]*entity.RecurringTask, error) {
	return a.repo.ListRecurringTasksForUser(c.Request.Context(), userID)
}

// CreateRecurringTask implements handlers.RecurringTaskAdmin, saving the
// task and re-arming the RecurringScheduler's timer in one call (mirroring
// RecurringScheduler.Upsert's own save-then-rearm sequence) rather than
// saving directly through the repository and leaving the timer stale.
func (a *SchedulerAdmin) CreateRecurringTask(c *gin.Context, task *entity.RecurringTask) error {
	return a.recurring.Upsert(c.Request.Context(), task)
}

// DeleteRecurringTask implements handlers.RecurringTaskAdmin, re-arming
// the scheduler's timer afterward in case the deleted task was the one
// the held timer was pointed at.
func (a *SchedulerAdmin) DeleteRecurringTask(c *gin.Context, id string) error {
	if err := a.repo.DeleteRecurringTask(c.Request.Context(), id); err != nil {
		return err
	}
	return a.recurring.Refresh(c.Request.Context())
}

// SetRecurringTaskStatus implements handlers.RecurringTaskAdmin,
// re-arming the scheduler's timer afterward (a pause drops the task out
// of consideration, a resume may reintroduce an earlier due time).
func (a *SchedulerAdmin) SetRecurringTaskStatus(c *gin.Context, id string, status entity.RecurringStatus) error {
	if err := a.repo.SetRecurringTaskStatus(c.Request.Context(), id, status); err != nil {
		return err
	}
	return a.recurring.Refresh(c.Request.Context())
}
