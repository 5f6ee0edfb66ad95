package repository

import (
	"context"

	"flagsync/internal/model"

	"gorm.io/gorm"
)

// AuditInterface persists the version lifecycle trail.
type AuditInterface interface {
	Create(ctx context.Context, audit *model.VersionAudit) error
	List(ctx context.Context, offset, limit int) ([]model.VersionAudit, int64, error)
	ListByFeature(ctx context.Context, environmentID, featureID uint64) ([]model.VersionAudit, error)
	PingContext(ctx context.Context) error
	WithTx(tx *gorm.DB) AuditInterface
}

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Create(ctx context.Context, audit *model.VersionAudit) error {
	return r.db.WithContext(ctx).Create(audit).Error
}

func (r *AuditRepository) List(ctx context.Context, offset, limit int) ([]model.VersionAudit, int64, error) {
	var audits []model.VersionAudit
	var total int64

	db := r.db.WithContext(ctx).Model(&model.VersionAudit{})
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := db.Offset(offset).Limit(limit).Order("id DESC").Find(&audits).Error; err != nil {
		return nil, 0, err
	}
	return audits, total, nil
}

func (r *AuditRepository) ListByFeature(ctx context.Context, environmentID, featureID uint64) ([]model.VersionAudit, error) {
	var audits []model.VersionAudit
	err := r.db.WithContext(ctx).
		Where("environment_id = ? AND feature_id = ?", environmentID, featureID).
		Order("id DESC").
		Find(&audits).Error
	return audits, err
}

func (r *AuditRepository) PingContext(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *AuditRepository) WithTx(tx *gorm.DB) AuditInterface {
	return &AuditRepository{db: tx}
}
