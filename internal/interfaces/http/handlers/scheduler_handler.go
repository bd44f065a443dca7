package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cortexrt/assistant/internal/domain/entity"
)

// StatsProvider reports aggregate scheduler/token stats for the GET
// stats endpoint (spec.md §6).
type StatsProvider interface {
	PendingDeferredCount(ctx gin.Context) (int, error)
	ActiveRecurringCount(ctx gin.Context) (int, error)
	TotalTokensForDevice(ctx gin.Context, deviceID string) (int64, error)
}

// RecurringTaskAdmin is the mutation surface the Schedulers HTTP
// endpoints drive (spec.md §6: "GET tasks for user, POST recurring task,
// DELETE/PAUSE/RESUME recurring task" — deferred task creation stays
// internal, driven only by the tool-loop's schedule.* tool overrides).
type RecurringTaskAdmin interface {
	ListRecurringTasksForUser(c *gin.Context, userID string) ([]*entity.RecurringTask, error)
	CreateRecurringTask(c *gin.Context, task *entity.RecurringTask) error
	DeleteRecurringTask(c *gin.Context, id string) error
	SetRecurringTaskStatus(c *gin.Context, id string, status entity.RecurringStatus) error
}

// SchedulerHandler implements the thin Schedulers HTTP surface named in
// spec.md §6, grounded on the teacher's gin handler shape
// (internal/interfaces/http/server.go's original setupRoutes registering
// one method per handler struct).
type SchedulerHandler struct {
	stats  StatsProvider
	admin  RecurringTaskAdmin
	logger *zap.Logger
}

// NewSchedulerHandler builds the handler.
func NewSchedulerHandler(stats StatsProvider, admin RecurringTaskAdmin, logger *zap.Logger) *SchedulerHandler {
	return &SchedulerHandler{stats: stats, admin: admin, logger: logger}
}

type statsResponse struct {
	PendingDeferred int   `json:"pendingDeferred"`
	ActiveRecurring int   `json:"activeRecurring"`
	TotalTokens     int64 `json:"totalTokens,omitempty"`
}

// GetStats handles GET /api/v1/schedulers/stats.
func (h *SchedulerHandler) GetStats(c *gin.Context) {
	pending, err := h.stats.PendingDeferredCount(*c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	active, err := h.stats.ActiveRecurringCount(*c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := statsResponse{PendingDeferred: pending, ActiveRecurring: active}
	if deviceID := c.Query("deviceId"); deviceID != "" {
		total, err := h.stats.TotalTokensForDevice(*c, deviceID)
		if err == nil {
			resp.TotalTokens = total
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ListTasks handles GET /api/v1/schedulers/tasks?userId=.
func (h *SchedulerHandler) ListTasks(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	tasks, err := h.admin.ListRecurringTasksForUser(c, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

type createRecurringRequest struct {
	UserID      string                    `json:"userId" binding:"required"`
	Name        string                    `json:"name" binding:"required"`
	Prompt      string                    `json:"prompt" binding:"required"`
	Schedule    entity.RecurringSchedule  `json:"schedule" binding:"required"`
	Timezone    string                    `json:"timezone"`
	Priority    entity.TaskPriority       `json:"priority"`
	MaxFailures int                       `json:"maxFailures"`
}

// CreateTask handles POST /api/v1/schedulers/tasks.
func (h *SchedulerHandler) CreateTask(c *gin.Context) {
	var req createRecurringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if req.Priority == "" {
		req.Priority = entity.PriorityP2
	}

	task := &entity.RecurringTask{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Name:        req.Name,
		Prompt:      req.Prompt,
		Schedule:    req.Schedule,
		Timezone:    req.Timezone,
		Priority:    req.Priority,
		Status:      entity.RecurringStatusActive,
		MaxFailures: req.MaxFailures,
		NextRunAt:   time.Now(),
	}
	if err := h.admin.CreateRecurringTask(c, task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, task)
}

// DeleteTask handles DELETE /api/v1/schedulers/tasks/:id.
func (h *SchedulerHandler) DeleteTask(c *gin.Context) {
	if err := h.admin.DeleteRecurringTask(c, c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// PauseTask handles POST /api/v1/schedulers/tasks/:id/pause.
func (h *SchedulerHandler) PauseTask(c *gin.Context) {
	h.setStatus(c, entity.RecurringStatusPaused)
}

// ResumeTask handles POST /api/v1/schedulers/tasks/:id/resume.
func (h *SchedulerHandler) ResumeTask(c *gin.Context) {
	h.setStatus(c, entity.RecurringStatusActive)
}

func (h *SchedulerHandler) setStatus(c *gin.Context, status entity.RecurringStatus) {
	if err := h.admin.SetRecurringTaskStatus(c, c.Param("id"), status); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}
