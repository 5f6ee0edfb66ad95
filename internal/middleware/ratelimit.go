package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"flagsync/internal/service"
	"flagsync/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const rateLimitKeyPrefix = "flagsync:ratelimit:"

// tokenBucketScript implements the Token Bucket algorithm.
// Input: ARGV[1]=rate, ARGV[2]=capacity, ARGV[3]=now, ARGV[4]=requested
// Output: { allowed, remaining, reset_after }
var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local fill_time = capacity / rate
local ttl = math.ceil(fill_time * 2)

local last_tokens = tonumber(redis.call("get", tokens_key))
if last_tokens == nil then last_tokens = capacity end

local last_ts = tonumber(redis.call("get", ts_key))
if last_ts == nil then last_ts = now end

local delta = math.max(0, now - last_ts)
local filled_tokens = math.min(capacity, last_tokens + (delta * rate))
local allowed = 0
local remaining = filled_tokens
local reset_after = 0

if filled_tokens >= requested then
    allowed = 1
    filled_tokens = filled_tokens - requested
    remaining = filled_tokens
else
    reset_after = (requested - filled_tokens) / rate
end

if allowed == 1 then
    redis.call("set", tokens_key, filled_tokens, "EX", ttl)
    redis.call("set", ts_key, now, "EX", ttl)
end

return { allowed, remaining, reset_after }
`)

type localLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles admin routes per operator, or per client IP before
// authentication. Redis holds the shared buckets; when it cannot be reached
// each instance falls back to in-memory limiters.
type RateLimiter struct {
	rdb         *redis.Client
	rps         int
	burst       int
	mu          sync.Mutex
	locals      map[string]*localLimiter
	lastCleanup time.Time
}

func NewRateLimiter(rdb *redis.Client, requestsPerSecond int) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	return &RateLimiter{
		rdb:         rdb,
		rps:         requestsPerSecond,
		burst:       requestsPerSecond,
		locals:      make(map[string]*localLimiter),
		lastCleanup: time.Now(),
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := "ip:" + c.ClientIP()
		if op := service.GetOperatorInfo(c.Request.Context()); op != nil {
			subject = "op:" + op.UserID
		}
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", rl.rps))

		allowed, remaining, resetAfter, err := rl.take(subject)
		if err != nil {
			logger.Warn("redis rate limit failed, switching to local fallback",
				zap.Error(err),
				zap.String("subject", subject))

			limiter := rl.local(subject)
			if !limiter.Allow() {
				c.Header("X-RateLimit-Remaining", "0")
				c.Header("X-RateLimit-Reset", "1")
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
				return
			}
			c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", int(limiter.Tokens())))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", int(remaining)))
		resetTime := time.Now().Add(time.Duration(resetAfter * float64(time.Second)))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime.Unix()))
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
			return
		}
		c.Next()
	}
}

// take spends one token from the shared bucket of subject.
func (rl *RateLimiter) take(subject string) (bool, float64, float64, error) {
	if rl.rdb == nil {
		return false, 0, 0, redis.ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	keys := []string{rateLimitKeyPrefix + subject + ":tokens", rateLimitKeyPrefix + subject + ":ts"}
	now := float64(time.Now().UnixMicro()) / 1e6
	result, err := tokenBucketScript.Run(ctx, rl.rdb, keys, float64(rl.rps), float64(rl.burst), now, 1).Result()
	if err != nil {
		return false, 0, 0, err
	}

	res, ok := result.([]any)
	if !ok || len(res) != 3 {
		// fail open on an unexpected reply
		logger.Error("invalid redis rate limit response", zap.Any("response", result))
		return true, float64(rl.burst), 0, nil
	}
	return helperInt(res[0]) == 1, helperFloat(res[1]), helperFloat(res[2]), nil
}

func (rl *RateLimiter) local(subject string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCleanup) > 10*time.Minute {
		for k, l := range rl.locals {
			if now.Sub(l.lastSeen) > 10*time.Minute {
				delete(rl.locals, k)
			}
		}
		rl.lastCleanup = now
	}

	l, ok := rl.locals[subject]
	if !ok {
		l = &localLimiter{limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.burst)}
		rl.locals[subject] = l
	}
	l.lastSeen = now
	return l.limiter
}

func helperInt(v any) int64 {
	if val, ok := v.(int64); ok {
		return val
	}
	return 0
}

func helperFloat(v any) float64 {
	switch val := v.(type) {
	case int64:
		return float64(val)
	case float64:
		return val
	}
	return 0
}
