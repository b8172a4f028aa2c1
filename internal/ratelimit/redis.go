package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ScriptRunner executes a Lua script atomically. *cache.Manager implements it.
type ScriptRunner interface {
	RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error)
}

// slidingWindowScript runs prune, count, compare and record as one unit.
// Scores are microseconds. Returns {allowed, count, retry_after_us}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	local retry = window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest[2] then
		retry = tonumber(oldest[2]) + window - now
	end
	return {0, count, retry}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, math.ceil(window / 1000))
return {1, count + 1, 0}
`)

// RedisLimiter is a sliding-window-log limiter backed by a Redis sorted set
// per client. It fails open when Redis is unavailable.
type RedisLimiter struct {
	store  ScriptRunner
	config Config
	now    Clock
	logger *zap.Logger
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(store ScriptRunner, config Config, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		store:  store,
		config: config,
		now:    time.Now,
		logger: logger.With(zap.String("component", "rate_limiter")),
	}
}

// WithClock overrides the time source.
func (l *RedisLimiter) WithClock(c Clock) *RedisLimiter {
	l.now = c
	return l
}

// Admit checks and records one request for clientID.
func (l *RedisLimiter) Admit(ctx context.Context, clientID string) Decision {
	now := l.now().UnixMicro()
	window := l.config.Window.Microseconds()
	key := l.config.key(clientID)
	// 同一微秒内的并发请求需要不同的 member，否则 ZADD 会合并计数
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	res, err := l.store.RunScript(ctx, slidingWindowScript, []string{key},
		now, window, l.config.Requests, member)
	if err != nil {
		l.logger.Warn("rate limiter backend unavailable, failing open",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
		return Decision{Allowed: true, Limit: l.config.Requests, Degraded: true}
	}

	d, err := parseScriptResult(res)
	if err != nil {
		l.logger.Warn("unexpected rate limiter reply, failing open",
			zap.String("client_id", clientID),
			zap.Any("reply", res),
			zap.Error(err),
		)
		return Decision{Allowed: true, Limit: l.config.Requests, Degraded: true}
	}
	d.Limit = l.config.Requests

	if !d.Allowed {
		l.logger.Info("rate limit exceeded",
			zap.String("client_id", clientID),
			zap.Int("count", d.Count),
			zap.Int("limit", d.Limit),
		)
	}
	return d
}

func parseScriptResult(res any) (Decision, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("malformed reply %T", res)
	}
	ints := make([]int64, 3)
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return Decision{}, fmt.Errorf("element %d is %T", i, v)
		}
		ints[i] = n
	}
	retry := time.Duration(ints[2]) * time.Microsecond
	if retry < 0 {
		retry = 0
	}
	return Decision{
		Allowed:    ints[0] == 1,
		Count:      int(ints[1]),
		RetryAfter: retry,
	}, nil
}

// RetryAfterSeconds rounds a retry delay up to whole seconds, minimum one.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
