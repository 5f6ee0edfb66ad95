package repository

import (
	"context"
	"errors"

	"flagsync/internal/model"
	"flagsync/pkg/constraints"

	"gorm.io/gorm"
)

// EnvironmentInterface resolves environment keys and the features they can version.
type EnvironmentInterface interface {
	ResolveKey(ctx context.Context, apiKey string) (*model.EnvironmentKey, error)
	GetFeature(ctx context.Context, projectID, featureID uint64) (*model.Feature, error)
}

type EnvironmentRepository struct {
	db *gorm.DB
}

func NewEnvironmentRepository(db *gorm.DB) *EnvironmentRepository {
	return &EnvironmentRepository{db: db}
}

// ResolveKey looks the key up as a client key first, then as an active server
// key. It returns nil when the key is unknown.
func (r *EnvironmentRepository) ResolveKey(ctx context.Context, apiKey string) (*model.EnvironmentKey, error) {
	var env model.Environment
	err := r.db.WithContext(ctx).
		Preload("Project.Organisation").
		Where(map[string]any{"api_key": apiKey}).
		First(&env).Error
	if err == nil {
		return environmentKey(&env, constraints.KeyKindClient), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var serverKey model.EnvironmentAPIKey
	err = r.db.WithContext(ctx).
		Preload("Environment.Project.Organisation").
		Where(map[string]any{"key": apiKey, "active": true}).
		First(&serverKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return environmentKey(&serverKey.Environment, constraints.KeyKindServer), nil
}

func (r *EnvironmentRepository) GetFeature(ctx context.Context, projectID, featureID uint64) (*model.Feature, error) {
	var feature model.Feature
	err := r.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", featureID, projectID).
		First(&feature).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &feature, nil
}

func environmentKey(env *model.Environment, kind constraints.KeyKind) *model.EnvironmentKey {
	return &model.EnvironmentKey{
		EnvironmentID:     env.ID,
		ProjectID:         env.ProjectID,
		OrganisationID:    env.Project.OrganisationID,
		PersistTraitData:  env.Project.Organisation.PersistTraitData,
		AllowClientTraits: env.AllowClientTraits,
		Kind:              kind,
	}
}
