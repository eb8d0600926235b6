package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultLimit is the default number of admissions per window
	DefaultLimit = 60

	// DefaultWindow is the default trailing window
	DefaultWindow = time.Hour
)

// Trim, count and record in one step so concurrent requests for a user cannot overshoot.
var slidingWindowScript = goredis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])

	redis.call("zremrangebyscore", key, "-inf", now - window_ms)

	local current = redis.call("zcard", key)
	if current < limit then
		redis.call("zadd", key, now, ARGV[4])
		redis.call("pexpire", key, window_ms)
		return {1, limit - current - 1, 0}
	end

	local oldest = redis.call("zrange", key, 0, 0, "WITHSCORES")
	if #oldest > 0 then
		return {0, 0, oldest[2]}
	end
	return {0, 0, 0}
`)

// Config holds the per-user limit
type Config struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of an admission check
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
	// FailOpen is set when the store could not be consulted and the request was let through
	FailOpen bool
}

// Limiter is a per-user sliding-window rate limiter backed by a Redis sorted set
type Limiter struct {
	client *redis.Client
	cfg    Config
	logger ectologger.Logger
	now    func() time.Time
}

// NewLimiter creates a limiter, applying defaults to unset config values
func NewLimiter(client *redis.Client, cfg Config, logger ectologger.Logger) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Limiter{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) key(userID string) string {
	return l.client.Key("ratelimit", userID)
}

// Allow admits or denies one request for userID. Store failures admit the request.
func (l *Limiter) Allow(ctx context.Context, userID string) Decision {
	decision, err := l.Check(ctx, userID)
	if err != nil {
		l.logger.WithContext(ctx).WithError(err).WithField("user_id", userID).
			Warn("Rate limit store unavailable, allowing request")
		metrics.RecordRateLimit("fail_open")
		return Decision{Allowed: true, FailOpen: true}
	}

	if decision.Allowed {
		metrics.RecordRateLimit("allowed")
	} else {
		metrics.RecordRateLimit("denied")
		l.logger.WithContext(ctx).WithFields(map[string]any{
			"user_id":     userID,
			"retry_after": decision.RetryAfter.String(),
		}).Info("Rate limit exceeded")
	}
	return decision
}

// Check runs the sliding-window script and returns store errors to the caller.
func (l *Limiter) Check(ctx context.Context, userID string) (Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "Limiter.Check")
	defer span.End()

	ctx, cancel := l.client.WithTimeout(ctx)
	defer cancel()

	now := l.now()
	result, err := slidingWindowScript.Run(ctx, l.client.Redis(), []string{l.key(userID)},
		now.UnixMilli(),
		l.cfg.Window.Milliseconds(),
		l.cfg.Limit,
		fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.New().String()),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(result) < 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", result)
	}

	allowed, err := redis.Int64(result[0])
	if err != nil {
		return Decision{}, err
	}
	remaining, err := redis.Int64(result[1])
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{Allowed: allowed == 1, Remaining: remaining}
	if decision.Allowed {
		return decision, nil
	}

	oldestMs, err := redis.Int64(result[2])
	if err != nil {
		return Decision{}, err
	}
	decision.RetryAfter = l.cfg.Window
	if oldestMs > 0 {
		decision.RetryAfter = time.UnixMilli(oldestMs).Add(l.cfg.Window).Sub(now)
	}
	if decision.RetryAfter <= 0 {
		decision.RetryAfter = time.Millisecond
	}
	return decision, nil
}

// Remaining returns how many admissions userID has left in the current window
func (l *Limiter) Remaining(ctx context.Context, userID string) (int64, error) {
	key := l.key(userID)
	windowStart := l.now().Add(-l.cfg.Window).UnixMilli()

	pipe := l.client.Redis().TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", windowStart))
	count := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	remaining := int64(l.cfg.Limit) - count.Val()
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
