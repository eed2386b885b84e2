// Package redisstore owns the Redis client shared by the distributed rate
// limiter and the event relay, and ties it to the service lifecycle.
package redisstore

import (
	"context"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/livegate/lifecycle"
)

// Config for the shared Redis client. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Password. ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD"`
	// DB index. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
}

// Store wraps a Redis client that is verified on Initialize and closed on
// Dispose.
type Store struct {
	client *redis.Client
}

// New builds the client without dialing.
func New(cfg Config) *Store {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	return &Store{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() *Store {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Client returns the shared client.
func (s *Store) Client() *redis.Client { return s.client }

// Ping verifies the server answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }

// Resource exposes the client to the lifecycle orchestrator.
func (s *Store) Resource() lifecycle.Resource {
	return lifecycle.Resource{
		Name:       "redis",
		Initialize: s.Ping,
		Dispose:    func(context.Context) error { return s.Close() },
	}
}
