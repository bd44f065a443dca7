package persistence

import (
	"context"

	"github.com/cortexrt/assistant/internal/domain/entity"
	"github.com/cortexrt/assistant/internal/infrastructure/persistence/models"
	domainErrors "github.com/cortexrt/assistant/pkg/errors"
	"gorm.io/gorm"
)

// GormTokenRepository implements service.TokenSink over gorm, the flat
// append-only struct style the teacher uses for its own persistence
// models (models.MessageModel/AgentModel, now replaced by
// models.TokenUsageModel).
type GormTokenRepository struct {
	db *gorm.DB
}

// NewGormTokenRepository builds the repository.
func NewGormTokenRepository(db *gorm.DB) *GormTokenRepository {
	return &GormTokenRepository{db: db}
}

// RecordTokenUsage implements service.TokenSink.
func (r *GormTokenRepository) RecordTokenUsage(ctx context.Context, row entity.TokenUsageRow) error {
	model := models.TokenUsageModel{
		DeviceID:     row.DeviceID,
		AgentID:      row.AgentID,
		Model:        row.Model,
		Role:         row.Role,
		InputTokens:  row.InputTokens,
		OutputTokens: row.OutputTokens,
		Timestamp:    row.Timestamp,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domainErrors.NewInternalError("failed to record token usage: " + err.Error())
	}
	return nil
}

// TotalTokensForDevice sums token usage for a device, e.g. for the
// Schedulers HTTP surface's stats endpoint (spec.md §6).
func (r *GormTokenRepository) TotalTokensForDevice(ctx context.Context, deviceID string) (int64, error) {
	var rows []models.TokenUsageModel
	if err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Find(&rows).Error; err != nil {
		return 0, domainErrors.NewInternalError("failed to query token usage: " + err.Error())
	}
	var total int64
	for _, m := range rows {
		total += m.InputTokens + m.OutputTokens
	}
	return total, nil
}
