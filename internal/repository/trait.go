package repository

import (
	"context"
	"errors"
	"fmt"

	"flagsync/internal/model"
	"flagsync/pkg/constraints"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxIncrementAttempts = 5

var (
	ErrTraitTypeMismatch = errors.New("trait value is not an integer")
	ErrIncrementConflict = errors.New("increment kept losing insert races")
)

type TraitInterface interface {
	Get(ctx context.Context, identityID uint64, key string) (*model.Trait, error)
	ListByIdentity(ctx context.Context, identityID uint64) ([]model.Trait, error)
	Upsert(ctx context.Context, trait *model.Trait) (*model.Trait, error)
	Delete(ctx context.Context, identityID uint64, key string) (int64, error)
	DeleteAllMatching(ctx context.Context, environmentID uint64, key string) (int64, error)
	Increment(ctx context.Context, identityID uint64, key string, delta int64) (int64, error)
	WithTx(tx *gorm.DB) TraitInterface
}

type TraitRepository struct {
	db *gorm.DB
}

func NewTraitRepository(db *gorm.DB) *TraitRepository {
	return &TraitRepository{db: db}
}

// Get returns nil when the identity has no trait under key.
func (r *TraitRepository) Get(ctx context.Context, identityID uint64, key string) (*model.Trait, error) {
	var trait model.Trait
	err := r.db.WithContext(ctx).
		Where("identity_id = ? AND trait_key = ?", identityID, key).
		First(&trait).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trait, nil
}

func (r *TraitRepository) ListByIdentity(ctx context.Context, identityID uint64) ([]model.Trait, error) {
	var traits []model.Trait
	err := r.db.WithContext(ctx).
		Where("identity_id = ?", identityID).
		Order("trait_key ASC").
		Find(&traits).Error
	return traits, err
}

// Upsert writes the trait keyed on (identity_id, trait_key). Every payload
// column is overwritten so the previous typed value cannot survive a type change.
func (r *TraitRepository) Upsert(ctx context.Context, trait *model.Trait) (*model.Trait, error) {
	err := r.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "identity_id"}, {Name: "trait_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"value_type", "string_value", "integer_value", "float_value", "boolean_value", "updated_at",
			}),
		}).
		Create(trait).Error
	if err != nil {
		return nil, fmt.Errorf("upsert trait: %w", err)
	}
	return r.Get(ctx, trait.IdentityID, trait.TraitKey)
}

func (r *TraitRepository) Delete(ctx context.Context, identityID uint64, key string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("identity_id = ? AND trait_key = ?", identityID, key).
		Delete(&model.Trait{})
	return res.RowsAffected, res.Error
}

// DeleteAllMatching removes key from every identity of one environment.
func (r *TraitRepository) DeleteAllMatching(ctx context.Context, environmentID uint64, key string) (int64, error) {
	identities := r.db.Model(&model.Identity{}).Select("id").Where("environment_id = ?", environmentID)
	res := r.db.WithContext(ctx).
		Where("trait_key = ? AND identity_id IN (?)", key, identities).
		Delete(&model.Trait{})
	return res.RowsAffected, res.Error
}

// Increment adds delta to an integer trait in a single UPDATE, so concurrent
// increments serialise on the row. A missing trait is created holding delta.
// A non-integer trait is left untouched and ErrTraitTypeMismatch returned.
func (r *TraitRepository) Increment(ctx context.Context, identityID uint64, key string, delta int64) (int64, error) {
	for attempt := 0; attempt < maxIncrementAttempts; attempt++ {
		res := r.db.WithContext(ctx).
			Model(&model.Trait{}).
			Where("identity_id = ? AND trait_key = ? AND value_type = ?", identityID, key, constraints.TypeInteger).
			Updates(map[string]any{"integer_value": gorm.Expr("integer_value + ?", delta)})
		if res.Error != nil {
			return 0, fmt.Errorf("increment trait: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			current, err := r.Get(ctx, identityID, key)
			if err != nil {
				return 0, err
			}
			if current == nil || current.IntegerValue == nil {
				return 0, fmt.Errorf("increment trait: %q missing after update", key)
			}
			return *current.IntegerValue, nil
		}

		existing, err := r.Get(ctx, identityID, key)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			if existing.ValueType != constraints.TypeInteger {
				return 0, ErrTraitTypeMismatch
			}
			// became an integer between the update and the read
			continue
		}

		value := delta
		created := &model.Trait{
			IdentityID:   identityID,
			TraitKey:     key,
			ValueType:    constraints.TypeInteger,
			IntegerValue: &value,
		}
		res = r.db.WithContext(ctx).
			Omit(clause.Associations).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(created)
		if res.Error != nil {
			return 0, fmt.Errorf("create trait: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			return delta, nil
		}
	}
	return 0, ErrIncrementConflict
}

func (r *TraitRepository) WithTx(tx *gorm.DB) TraitInterface {
	return &TraitRepository{db: tx}
}
