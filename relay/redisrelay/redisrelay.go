// Package redisrelay implements relay.Relay on Redis Streams. Every
// subscriber reads the stream independently (no consumer group), so each
// node sees every message.
package redisrelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/livegate/relay"
)

// Config for the Redis relay. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for stream keys. ENV: RELAY_KEY_PREFIX
	KeyPrefix string `env:"RELAY_KEY_PREFIX,default=livegate:relay:"`
	// MaxLen approximately caps each stream. ENV: RELAY_MAX_LEN
	MaxLen int64 `env:"RELAY_MAX_LEN,default=10000"`
}

type Relay struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
	maxLen    int64
	block     time.Duration
}

var _ relay.Relay = (*Relay)(nil)

// New dials Redis at cfg.RedisAddr and verifies the connection.
func New(cfg Config) (*Relay, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	r := NewWithClient(cl, cfg)
	r.ownClient = true
	return r, nil
}

// NewWithClient uses an existing client. Close leaves the client open.
func NewWithClient(cl redis.UniversalClient, cfg Config) *Relay {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "livegate:relay:"
	}
	return &Relay{client: cl, keyPrefix: prefix, maxLen: cfg.MaxLen, block: time.Second}
}

// NewFromEnv builds a Relay using envdecode to populate Config.
func NewFromEnv() (*Relay, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client when the relay dialed it.
func (r *Relay) Close() error {
	if !r.ownClient {
		return nil
	}
	return r.client.Close()
}

func (r *Relay) Publish(ctx context.Context, channel string, data []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: r.streamKey(channel),
		Values: map[string]any{"data": data},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("redisrelay: publish to %s: %w", args.Stream, err)
	}
	return id, nil
}

func (r *Relay) Subscribe(ctx context.Context, channel, lastEventID string, h relay.Handler) error {
	key := r.streamKey(channel)

	startID := "$"
	if lastEventID != "" {
		startID = lastEventID
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, startID},
			Count:   64,
			Block:   r.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, redis.ErrClosed) {
				return relay.ErrClosed
			}
			return fmt.Errorf("redisrelay: read %s: %w", key, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				startID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				if err := h(ctx, relay.Envelope{ID: msg.ID, Data: []byte(data)}); err != nil {
					return err
				}
			}
		}
	}
}

func (r *Relay) Cleanup(ctx context.Context, channel string) error {
	if err := r.client.Del(ctx, r.streamKey(channel)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redisrelay: cleanup %s: %w", channel, err)
	}
	return nil
}

func (r *Relay) streamKey(channel string) string {
	return r.keyPrefix + "stream:" + channel
}
