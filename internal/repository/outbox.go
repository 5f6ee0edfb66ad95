package repository

import (
	"context"
	"time"

	"flagsync/internal/model"

	"gorm.io/gorm"
)

type OutboxInterface interface {
	Create(ctx context.Context, task *model.OutboxTask) error
	FetchPending(ctx context.Context, now time.Time, limit int) ([]model.OutboxTask, error)
	UpdateStatus(ctx context.Context, id int64, status int, retryCount int, nextAttempt time.Time, lastError string) error
	WithTx(tx *gorm.DB) OutboxInterface
}

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, task *model.OutboxTask) error {
	if task.NextAttemptAt.IsZero() {
		task.NextAttemptAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(task).Error
}

// FetchPending returns pending tasks whose next attempt is due.
func (r *OutboxRepository) FetchPending(ctx context.Context, now time.Time, limit int) ([]model.OutboxTask, error) {
	var tasks []model.OutboxTask
	if err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", model.StatusPending, now.UTC()).
		Order("id ASC").
		Limit(limit).
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *OutboxRepository) UpdateStatus(ctx context.Context, id int64, status int, retryCount int, nextAttempt time.Time, lastError string) error {
	if len(lastError) > 512 {
		lastError = lastError[:512]
	}
	return r.db.WithContext(ctx).Model(&model.OutboxTask{}).Where("id = ?", id).Updates(map[string]any{
		"status":          status,
		"retry_count":     retryCount,
		"next_attempt_at": nextAttempt.UTC(),
		"last_error":      lastError,
	}).Error
}

func (r *OutboxRepository) WithTx(tx *gorm.DB) OutboxInterface {
	return &OutboxRepository{db: tx}
}
