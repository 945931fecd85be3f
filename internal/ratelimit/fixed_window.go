package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// FixedWindowLimiter limits actions per key in a fixed Redis-backed window.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	client redis.Scripter
	prefix string
}

// NewFixedWindowLimiter builds a limiter on an existing Redis client.
func NewFixedWindowLimiter(client redis.Scripter, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "threadline:ratelimit"
	}
	return &FixedWindowLimiter{limit: limit, window: window, client: client, prefix: prefix}, nil
}

// Allow consumes one unit of key's quota. Redis failures deny the request and
// are returned so the caller can log them.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l == nil {
		return Decision{}, errors.New("rate limiter is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil {
		return Decision{RetryAfter: l.window}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{RetryAfter: l.window}, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	if ttl <= 0 {
		ttl = l.window
	}
	if count > int64(l.limit) {
		return Decision{Allowed: false, RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true, Remaining: l.limit - int(count)}, nil
}
