package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flagsync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrVersionAlreadyPublished = errors.New("version already published")

type VersionInterface interface {
	// CreateIfAbsent stores the draft unless its sha exists already. The
	// returned bool reports whether a row was written.
	CreateIfAbsent(ctx context.Context, version *model.EnvironmentFeatureVersion) (bool, error)
	Get(ctx context.Context, sha string) (*model.EnvironmentFeatureVersion, error)
	Publish(ctx context.Context, sha string, liveFrom time.Time, publishedBy string) error
	Current(ctx context.Context, environmentID, featureID uint64, asOf time.Time) (*model.EnvironmentFeatureVersion, error)
	List(ctx context.Context, environmentID, featureID uint64) ([]model.EnvironmentFeatureVersion, error)
	ListPublishedAfter(ctx context.Context, cursor string, limit int) ([]model.EnvironmentFeatureVersion, error)
	WithTx(tx *gorm.DB) VersionInterface
}

type VersionRepository struct {
	db *gorm.DB
}

func NewVersionRepository(db *gorm.DB) *VersionRepository {
	return &VersionRepository{db: db}
}

func (r *VersionRepository) CreateIfAbsent(ctx context.Context, version *model.EnvironmentFeatureVersion) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(version)
	if res.Error != nil {
		return false, fmt.Errorf("create version: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Get returns nil when no version has the sha.
func (r *VersionRepository) Get(ctx context.Context, sha string) (*model.EnvironmentFeatureVersion, error) {
	var version model.EnvironmentFeatureVersion
	err := r.db.WithContext(ctx).Where("sha = ?", sha).First(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &version, nil
}

// Publish flips a draft to published exactly once. The WHERE clause carries
// the published=false guard so two racing publishers cannot both win.
func (r *VersionRepository) Publish(ctx context.Context, sha string, liveFrom time.Time, publishedBy string) error {
	res := r.db.WithContext(ctx).
		Model(&model.EnvironmentFeatureVersion{}).
		Where("sha = ? AND published = ?", sha, false).
		Updates(map[string]any{
			"published":    true,
			"live_from":    liveFrom.UTC(),
			"published_by": publishedBy,
		})
	if res.Error != nil {
		return fmt.Errorf("publish version: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionAlreadyPublished
	}
	return nil
}

// Current returns the newest published version already live at asOf, or nil.
func (r *VersionRepository) Current(ctx context.Context, environmentID, featureID uint64, asOf time.Time) (*model.EnvironmentFeatureVersion, error) {
	var version model.EnvironmentFeatureVersion
	err := r.db.WithContext(ctx).
		Where("environment_id = ? AND feature_id = ? AND published = ? AND live_from <= ?",
			environmentID, featureID, true, asOf.UTC()).
		Order("live_from DESC").
		Order("created_at DESC").
		Limit(1).
		Find(&version).Error
	if err != nil {
		return nil, err
	}
	if version.Sha == "" {
		return nil, nil
	}
	return &version, nil
}

func (r *VersionRepository) List(ctx context.Context, environmentID, featureID uint64) ([]model.EnvironmentFeatureVersion, error) {
	var versions []model.EnvironmentFeatureVersion
	err := r.db.WithContext(ctx).
		Where("environment_id = ? AND feature_id = ?", environmentID, featureID).
		Order("created_at DESC").
		Order("sha ASC").
		Find(&versions).Error
	return versions, err
}

// ListPublishedAfter pages through published versions ordered by sha,
// starting strictly after cursor.
func (r *VersionRepository) ListPublishedAfter(ctx context.Context, cursor string, limit int) ([]model.EnvironmentFeatureVersion, error) {
	var versions []model.EnvironmentFeatureVersion
	err := r.db.WithContext(ctx).
		Where("published = ? AND sha > ?", true, cursor).
		Order("sha ASC").
		Limit(limit).
		Find(&versions).Error
	return versions, err
}

func (r *VersionRepository) WithTx(tx *gorm.DB) VersionInterface {
	return &VersionRepository{db: tx}
}
