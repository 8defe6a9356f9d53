package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

var verifyRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisRateLimiter implements a distributed fixed-window rate limiter on
// Redis. It guards the synchronous payment verification endpoint against
// reference-guessing probes.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "billing:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

// Consume increments the window counter for (scope, subject) and reports
// whether the request is still within the limit.
func (r *RedisRateLimiter) Consume(ctx context.Context, scope, subject string, limit int, windowSeconds int) (bool, error) {
	if r == nil || r.client == nil || limit <= 0 || windowSeconds <= 0 {
		return true, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return true, nil
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := verifyRateLimitScript.Run(ctx, r.client, []string{key}, windowSeconds*1000).Result()
	if err != nil {
		return false, err
	}

	count, ok := rawResult.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected redis limiter response type: %T", rawResult)
	}
	return count <= int64(limit), nil
}
