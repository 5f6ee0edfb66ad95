package repository

import (
	"context"
	"sync"
	"testing"

	"flagsync/internal/model"
	"flagsync/internal/testutil"
	"flagsync/internal/traitvalue"
	"flagsync/pkg/constraints"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityRepository_ResolveOrCreate(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	fx := testutil.Seed(t, db)
	repo := NewIdentityRepository(db)
	ctx := context.Background()

	first, err := repo.ResolveOrCreate(ctx, fx.Environment.ID, "u1")
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	again, err := repo.ResolveOrCreate(ctx, fx.Environment.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	missing, err := repo.GetByIdentifier(ctx, fx.Environment.ID, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	var count int64
	require.NoError(t, db.Model(&model.Identity{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIdentityRepository_SameIdentifierInTwoEnvironments(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	a := testutil.Seed(t, db)
	b := testutil.Seed(t, db)
	repo := NewIdentityRepository(db)
	ctx := context.Background()

	ia, err := repo.ResolveOrCreate(ctx, a.Environment.ID, "shared")
	require.NoError(t, err)
	ib, err := repo.ResolveOrCreate(ctx, b.Environment.ID, "shared")
	require.NoError(t, err)
	assert.NotEqual(t, ia.ID, ib.ID)
}

func newIdentity(t *testing.T, repo *IdentityRepository, envID uint64, identifier string) *model.Identity {
	t.Helper()
	identity, err := repo.ResolveOrCreate(context.Background(), envID, identifier)
	require.NoError(t, err)
	return identity
}

func TestTraitRepository_UpsertReplacesTypedPayload(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	fx := testutil.Seed(t, db)
	identity := newIdentity(t, NewIdentityRepository(db), fx.Environment.ID, "u1")
	repo := NewTraitRepository(db)
	ctx := context.Background()

	stored, err := repo.Upsert(ctx, model.NewTrait(identity.ID, "plan", traitvalue.Int(3)))
	require.NoError(t, err)
	assert.Equal(t, constraints.TypeInteger, stored.ValueType)

	stored, err = repo.Upsert(ctx, model.NewTrait(identity.ID, "plan", traitvalue.String("gold")))
	require.NoError(t, err)
	assert.Equal(t, constraints.TypeString, stored.ValueType)
	assert.Nil(t, stored.IntegerValue)
	require.NotNil(t, stored.StringValue)
	assert.Equal(t, "gold", *stored.StringValue)

	traits, err := repo.ListByIdentity(ctx, identity.ID)
	require.NoError(t, err)
	assert.Len(t, traits, 1)
}

func TestTraitRepository_Delete(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	fx := testutil.Seed(t, db)
	identity := newIdentity(t, NewIdentityRepository(db), fx.Environment.ID, "u1")
	repo := NewTraitRepository(db)
	ctx := context.Background()

	_, err := repo.Upsert(ctx, model.NewTrait(identity.ID, "color", traitvalue.String("red")))
	require.NoError(t, err)

	n, err := repo.Delete(ctx, identity.ID, "color")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = repo.Delete(ctx, identity.ID, "color")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTraitRepository_DeleteAllMatchingStaysInEnvironment(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	a := testutil.Seed(t, db)
	b := testutil.Seed(t, db)
	identities := NewIdentityRepository(db)
	repo := NewTraitRepository(db)
	ctx := context.Background()

	for _, envID := range []uint64{a.Environment.ID, b.Environment.ID} {
		for _, name := range []string{"x", "y"} {
			identity := newIdentity(t, identities, envID, name)
			_, err := repo.Upsert(ctx, model.NewTrait(identity.ID, "plan", traitvalue.String("free")))
			require.NoError(t, err)
			_, err = repo.Upsert(ctx, model.NewTrait(identity.ID, "age", traitvalue.Int(30)))
			require.NoError(t, err)
		}
	}

	n, err := repo.DeleteAllMatching(ctx, a.Environment.ID, "plan")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	var remaining []model.Trait
	require.NoError(t, db.Where("trait_key = ?", "plan").Find(&remaining).Error)
	require.Len(t, remaining, 2)
	for _, tr := range remaining {
		var owner model.Identity
		require.NoError(t, db.First(&owner, tr.IdentityID).Error)
		assert.Equal(t, b.Environment.ID, owner.EnvironmentID)
	}

	var ages int64
	require.NoError(t, db.Model(&model.Trait{}).Where("trait_key = ?", "age").Count(&ages).Error)
	assert.EqualValues(t, 4, ages)
}

func TestTraitRepository_Increment(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	fx := testutil.Seed(t, db)
	identity := newIdentity(t, NewIdentityRepository(db), fx.Environment.ID, "u1")
	repo := NewTraitRepository(db)
	ctx := context.Background()

	v, err := repo.Increment(ctx, identity.ID, "score", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	v, err = repo.Increment(ctx, identity.ID, "score", -5)
	require.NoError(t, err)
	assert.EqualValues(t, -3, v)

	_, err = repo.Upsert(ctx, model.NewTrait(identity.ID, "score", traitvalue.String("oops")))
	require.NoError(t, err)

	_, err = repo.Increment(ctx, identity.ID, "score", 1)
	assert.ErrorIs(t, err, ErrTraitTypeMismatch)

	stored, err := repo.Get(ctx, identity.ID, "score")
	require.NoError(t, err)
	require.NotNil(t, stored.StringValue)
	assert.Equal(t, "oops", *stored.StringValue)
}

func TestTraitRepository_ConcurrentIncrementLosesNothing(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	fx := testutil.Seed(t, db)
	identity := newIdentity(t, NewIdentityRepository(db), fx.Environment.ID, "u1")
	repo := NewTraitRepository(db)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Increment(ctx, identity.ID, "hits", 1); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := repo.Get(ctx, identity.ID, "hits")
	require.NoError(t, err)
	require.NotNil(t, stored.IntegerValue)
	assert.EqualValues(t, workers, *stored.IntegerValue)
}
