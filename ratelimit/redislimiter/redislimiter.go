// Package redislimiter implements ratelimit.Limiter on Redis so that every
// process behind a load balancer shares the same windows.
//
// Each key is a counter created by the first admission of its window and
// given a TTL of one window, so idle keys are reclaimed by Redis itself.
// Check, increment and expiry run as a single Lua script.
package redislimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/livegate/ratelimit"
)

// Config for the Redis limiter. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all counters. ENV: RATE_LIMIT_KEY_PREFIX
	KeyPrefix string `env:"RATE_LIMIT_KEY_PREFIX,default=livegate:ratelimit:"`
	// Limit per key per window. ENV: RATE_LIMIT_REQUESTS
	Limit int `env:"RATE_LIMIT_REQUESTS,default=60"`
	// Window length. ENV: RATE_LIMIT_WINDOW
	Window time.Duration `env:"RATE_LIMIT_WINDOW,default=60s"`
}

type Limiter struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
	limit     int
	window    time.Duration
}

var _ ratelimit.Limiter = (*Limiter)(nil)

// New dials Redis at cfg.RedisAddr and verifies the connection.
func New(cfg Config) (*Limiter, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	l := NewWithClient(cl, cfg)
	l.ownClient = true
	return l, nil
}

// NewWithClient uses an existing client. Close leaves the client open.
func NewWithClient(cl redis.UniversalClient, cfg Config) *Limiter {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "livegate:ratelimit:"
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = ratelimit.DefaultLimit
	}
	window := cfg.Window
	if window <= 0 {
		window = ratelimit.DefaultWindow
	}
	return &Limiter{client: cl, keyPrefix: prefix, limit: limit, window: window}
}

// NewFromEnv builds a Limiter using envdecode to populate Config.
func NewFromEnv() (*Limiter, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client when the limiter dialed it.
func (l *Limiter) Close() error {
	if !l.ownClient {
		return nil
	}
	return l.client.Close()
}

// admitScript returns {count, pttl, allowed}. Rejected admissions leave the
// counter untouched.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local n = tonumber(redis.call('GET', key) or '0')
if n >= limit then
  local ttl = redis.call('PTTL', key)
  if ttl < 0 then
    redis.call('PEXPIRE', key, window)
    ttl = window
  end
  return {n, ttl, 0}
end
n = redis.call('INCR', key)
if n == 1 then
  redis.call('PEXPIRE', key, window)
end
local ttl = redis.call('PTTL', key)
if ttl < 0 then
  redis.call('PEXPIRE', key, window)
  ttl = window
end
return {n, ttl, 1}
`)

func (l *Limiter) Admit(ctx context.Context, key string) (ratelimit.Decision, error) {
	res, err := admitScript.Run(ctx, l.client, []string{l.keyPrefix + key}, l.window.Milliseconds(), l.limit).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("ratelimit admit: %w", err)
	}
	if len(res) != 3 {
		return ratelimit.Decision{}, fmt.Errorf("ratelimit admit: unexpected reply length %d", len(res))
	}
	return ratelimit.Decision{
		Allowed:    res[2] == 1,
		Count:      int(res[0]),
		Limit:      l.limit,
		ResetAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}
