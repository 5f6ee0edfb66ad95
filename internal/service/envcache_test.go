package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"flagsync/internal/model"
	"flagsync/internal/repository"
	"flagsync/internal/testutil"
	"flagsync/pkg/constraints"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEnvRepo struct {
	repository.EnvironmentInterface
	lookups atomic.Int32
}

func (r *countingEnvRepo) ResolveKey(ctx context.Context, apiKey string) (*model.EnvironmentKey, error) {
	r.lookups.Add(1)
	return r.EnvironmentInterface.ResolveKey(ctx, apiKey)
}

func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:0",
		DialTimeout: 10 * time.Millisecond,
		ReadTimeout: 10 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestEnvironmentResolver_FallsBackToDatabase(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	fx := testutil.Seed(t, db, testutil.WithAllowClientTraits(false))
	ctx := context.Background()

	for name, rdb := range map[string]*redis.Client{"no redis": nil, "redis down": unreachableRedis()} {
		t.Run(name, func(t *testing.T) {
			repo := &countingEnvRepo{EnvironmentInterface: repository.NewEnvironmentRepository(db)}
			resolver := NewEnvironmentResolver(repo, rdb, time.Minute)

			key, err := resolver.ResolveKey(ctx, fx.Environment.APIKey)
			require.NoError(t, err)
			require.NotNil(t, key)
			assert.Equal(t, fx.Environment.ID, key.EnvironmentID)
			assert.Equal(t, constraints.KeyKindClient, key.Kind)
			assert.False(t, key.AllowClientTraits)
			assert.True(t, key.PersistTraitData)

			key, err = resolver.ResolveKey(ctx, fx.ServerKey.Key)
			require.NoError(t, err)
			require.NotNil(t, key)
			assert.Equal(t, constraints.KeyKindServer, key.Kind)

			key, err = resolver.ResolveKey(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, key)
			assert.EqualValues(t, 3, repo.lookups.Load())
		})
	}
}
