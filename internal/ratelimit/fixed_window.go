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
return count
`)

// Config describes a fixed-window quota shared through Redis.
type Config struct {
	Client *redis.Client
	Prefix string
	Limit  int
	Window time.Duration
	// FailOpen admits requests when Redis is unreachable. The default is to
	// reject them.
	FailOpen bool
}

// FixedWindowLimiter limits requests per key in a fixed time window. Counters
// live in Redis so every replica of the service shares one quota.
type FixedWindowLimiter struct {
	client   *redis.Client
	prefix   string
	limit    int
	window   time.Duration
	failOpen bool
	now      func() time.Time
}

// NewFixedWindowLimiter validates cfg and returns a limiter.
func NewFixedWindowLimiter(cfg Config) (*FixedWindowLimiter, error) {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if cfg.Client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "library:ratelimit"
	}
	return &FixedWindowLimiter{
		client:   cfg.Client,
		prefix:   prefix,
		limit:    cfg.Limit,
		window:   cfg.Window,
		failOpen: cfg.FailOpen,
		now:      time.Now,
	}, nil
}

// Allow reports whether key is still within its quota for the current window.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	if windowMs <= 0 {
		return true
	}
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return l.failOpen
	}
	return count <= int64(l.limit)
}
