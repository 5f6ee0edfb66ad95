package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"flagsync/internal/model"
	"flagsync/internal/repository"
	"flagsync/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const envKeyCachePrefix = "flagsync:envkey:"

// EnvironmentResolver resolves environment keys through a redis read-through
// cache. A nil redis client, or an unreachable one, falls back to the
// database on every call.
type EnvironmentResolver struct {
	repo  repository.EnvironmentInterface
	redis *redis.Client
	ttl   time.Duration
	group singleflight.Group
}

func NewEnvironmentResolver(repo repository.EnvironmentInterface, rdb *redis.Client, ttl time.Duration) *EnvironmentResolver {
	return &EnvironmentResolver{repo: repo, redis: rdb, ttl: ttl}
}

// ResolveKey returns nil when apiKey belongs to no environment. Unknown keys
// are not cached.
func (r *EnvironmentResolver) ResolveKey(ctx context.Context, apiKey string) (*model.EnvironmentKey, error) {
	if cached, ok := r.fromCache(ctx, apiKey); ok {
		return cached, nil
	}

	v, err, _ := r.group.Do(apiKey, func() (any, error) {
		key, err := r.repo.ResolveKey(ctx, apiKey)
		if err != nil || key == nil {
			return key, err
		}
		r.store(ctx, apiKey, key)
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.EnvironmentKey), nil
}

func (r *EnvironmentResolver) fromCache(ctx context.Context, apiKey string) (*model.EnvironmentKey, bool) {
	if r.redis == nil {
		return nil, false
	}
	raw, err := r.redis.Get(ctx, envKeyCachePrefix+apiKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("environment cache unavailable, using database", zap.Error(err))
		}
		return nil, false
	}
	var key model.EnvironmentKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, false
	}
	return &key, true
}

func (r *EnvironmentResolver) store(ctx context.Context, apiKey string, key *model.EnvironmentKey) {
	if r.redis == nil {
		return
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, envKeyCachePrefix+apiKey, raw, r.ttl).Err(); err != nil {
		logger.Debug("failed to cache environment key", zap.Error(err))
	}
}
