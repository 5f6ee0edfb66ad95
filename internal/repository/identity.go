package repository

import (
	"context"
	"errors"
	"fmt"

	"flagsync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdentityInterface interface {
	ResolveOrCreate(ctx context.Context, environmentID uint64, identifier string) (*model.Identity, error)
	GetByIdentifier(ctx context.Context, environmentID uint64, identifier string) (*model.Identity, error)
	WithTx(tx *gorm.DB) IdentityInterface
}

type IdentityRepository struct {
	db *gorm.DB
}

func NewIdentityRepository(db *gorm.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// ResolveOrCreate inserts the identity unless (environment, identifier)
// already exists, then reads it back. A concurrent insert of the same pair
// loses on the unique index and falls through to the lookup.
func (r *IdentityRepository) ResolveOrCreate(ctx context.Context, environmentID uint64, identifier string) (*model.Identity, error) {
	identity := &model.Identity{EnvironmentID: environmentID, Identifier: identifier}
	res := r.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(identity)
	if res.Error != nil {
		return nil, fmt.Errorf("create identity: %w", res.Error)
	}
	if res.RowsAffected > 0 && identity.ID != 0 {
		return identity, nil
	}

	existing, err := r.GetByIdentifier(ctx, environmentID, identifier)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("identity %q vanished after insert conflict", identifier)
	}
	return existing, nil
}

// GetByIdentifier returns nil when the identity does not exist.
func (r *IdentityRepository) GetByIdentifier(ctx context.Context, environmentID uint64, identifier string) (*model.Identity, error) {
	var identity model.Identity
	err := r.db.WithContext(ctx).
		Where("environment_id = ? AND identifier = ?", environmentID, identifier).
		First(&identity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &identity, nil
}

func (r *IdentityRepository) WithTx(tx *gorm.DB) IdentityInterface {
	return &IdentityRepository{db: tx}
}
