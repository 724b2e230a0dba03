package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ledgerRateLimitScript increments a fixed-window counter and returns the
// count together with the window's remaining time in milliseconds.
var ledgerRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RateLimitDecision is the outcome of consuming one unit of a rate limit.
type RateLimitDecision struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
}

// RedisRateLimiter is a fixed-window limiter shared by every instance of the
// service through Redis. It throttles terminals hammering the ledger; it is
// not a substitute for the idempotency guard.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRateLimiter creates a limiter storing its counters under prefix.
func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "loyalty:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

// Consume counts one request for subject within scope. A nil limiter, a
// non-positive limit or an empty subject always allows.
func (r *RedisRateLimiter) Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (RateLimitDecision, error) {
	decision := RateLimitDecision{Allowed: true, Limit: limit}
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return decision, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return decision, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := ledgerRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return decision, err
	}

	count, ttlMs, err := parseLimiterReply(rawResult)
	if err != nil {
		return decision, err
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	decision.Count = int(count)
	if decision.Count > limit {
		retryAfter := int64(math.Ceil(float64(ttlMs) / 1000.0))
		if retryAfter < 1 {
			retryAfter = 1
		}
		decision.Allowed = false
		decision.RetryAfter = time.Duration(retryAfter) * time.Second
	}
	return decision, nil
}

func parseLimiterReply(raw interface{}) (count int64, ttlMs int64, err error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	if count, ok = values[0].(int64); !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	if ttlMs, ok = values[1].(int64); !ok {
		return count, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	return count, ttlMs, nil
}
