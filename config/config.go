// Package config loads the service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config for the livegate process. Every field has an ENV source; defaults
// live in the struct tags. List values are separated by ";".
type Config struct {
	// Addr to listen on. ENV: LIVEGATE_ADDR
	Addr string `env:"LIVEGATE_ADDR,default=:8000"`
	// PublicURL the API is reached at. Enables the protected resource
	// metadata document when auth is on. ENV: LIVEGATE_PUBLIC_URL
	PublicURL string `env:"LIVEGATE_PUBLIC_URL"`
	// Version reported by /health. ENV: LIVEGATE_VERSION
	Version string `env:"LIVEGATE_VERSION,default=dev"`
	// Debug disables the static mount and enables the asset watcher. ENV: DEBUG
	Debug bool `env:"DEBUG,default=false"`
	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// APIPrefix for business routes. ENV: API_PREFIX
	APIPrefix string `env:"API_PREFIX,default=/api/v1"`
	// AllowedOrigins for CORS and the WebSocket handshake. ENV: ALLOWED_ORIGINS
	AllowedOrigins []string `env:"ALLOWED_ORIGINS,default=*"`
	// StaticDir served at / outside debug mode, watched in debug mode. ENV: STATIC_DIR
	StaticDir string `env:"STATIC_DIR,default=frontend/build"`
	// ShutdownTimeout bounds graceful shutdown. ENV: SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
	// MaxFrameBytes bounds inbound WebSocket frames. ENV: WS_MAX_FRAME_BYTES
	MaxFrameBytes int `env:"WS_MAX_FRAME_BYTES,default=65536"`
	// WriteTimeout bounds each outbound WebSocket frame. ENV: WS_WRITE_TIMEOUT
	WriteTimeout time.Duration `env:"WS_WRITE_TIMEOUT,default=10s"`

	// DatabasePath of the SQLite event store. ENV: DATABASE_PATH
	DatabasePath string `env:"DATABASE_PATH,default=livegate.db"`
	// RedisAddr enables the shared Redis client when set. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// RedisPassword. ENV: REDIS_PASSWORD
	RedisPassword string `env:"REDIS_PASSWORD"`
	// RedisDB index. ENV: REDIS_DB
	RedisDB int `env:"REDIS_DB,default=0"`

	RateLimit RateLimit
	Relay     Relay
	Auth      Auth

	// OTLPEndpoint enables trace export when set. ENV: OTEL_EXPORTER_OTLP_ENDPOINT
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

type RateLimit struct {
	// Enabled toggles admission control. ENV: RATE_LIMIT_ENABLED
	Enabled bool `env:"RATE_LIMIT_ENABLED,default=true"`
	// Backend is memory or redis. ENV: RATE_LIMIT_BACKEND
	Backend string `env:"RATE_LIMIT_BACKEND,default=memory"`
	// Requests per window per client. ENV: RATE_LIMIT_REQUESTS
	Requests int `env:"RATE_LIMIT_REQUESTS,default=60"`
	// Window length. ENV: RATE_LIMIT_WINDOW
	Window time.Duration `env:"RATE_LIMIT_WINDOW,default=60s"`
	// KeyPrefix for Redis counters. ENV: RATE_LIMIT_KEY_PREFIX
	KeyPrefix string `env:"RATE_LIMIT_KEY_PREFIX,default=livegate:ratelimit:"`
	// ExemptPrefixes bypass the limiter in addition to the defaults. ENV: RATE_LIMIT_EXEMPT
	ExemptPrefixes []string `env:"RATE_LIMIT_EXEMPT"`
}

type Relay struct {
	// Backend is memory or redis. ENV: RELAY_BACKEND
	Backend string `env:"RELAY_BACKEND,default=memory"`
	// KeyPrefix for Redis streams. ENV: RELAY_KEY_PREFIX
	KeyPrefix string `env:"RELAY_KEY_PREFIX,default=livegate:relay:"`
	// MaxLen approximately caps each stream. ENV: RELAY_MAX_LEN
	MaxLen int64 `env:"RELAY_MAX_LEN,default=10000"`
}

type Auth struct {
	// Secret for HS256 tokens. ENV: JWT_SECRET
	Secret string `env:"JWT_SECRET"`
	// JWKSURL of the token signing keys. ENV: JWT_JWKS_URL
	JWKSURL string `env:"JWT_JWKS_URL"`
	// Issuer expected in tokens; also used for discovery. ENV: JWT_ISSUER
	Issuer string `env:"JWT_ISSUER"`
	// Audience expected in tokens. ENV: JWT_AUDIENCE
	Audience string `env:"JWT_AUDIENCE"`
	// RequiredScopes all of which a token must carry. ENV: JWT_REQUIRED_SCOPES
	RequiredScopes []string `env:"JWT_REQUIRED_SCOPES"`
	// Leeway for exp/nbf checks. ENV: JWT_LEEWAY
	Leeway time.Duration `env:"JWT_LEEWAY,default=60s"`
}

// Enabled reports whether any token key source is configured.
func (a Auth) Enabled() bool {
	return a.Secret != "" || a.JWKSURL != "" || a.Issuer != ""
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Requests <= 0 {
			errs = append(errs, errors.New("config: RATE_LIMIT_REQUESTS must be positive"))
		}
		if c.RateLimit.Window <= 0 {
			errs = append(errs, errors.New("config: RATE_LIMIT_WINDOW must be positive"))
		}
		errs = append(errs, c.checkBackend("RATE_LIMIT_BACKEND", c.RateLimit.Backend))
	}
	errs = append(errs, c.checkBackend("RELAY_BACKEND", c.Relay.Backend))
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("config: SHUTDOWN_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) checkBackend(name, backend string) error {
	switch backend {
	case BackendMemory:
		return nil
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: %s=redis requires REDIS_ADDR", name)
		}
		return nil
	default:
		return fmt.Errorf("config: %s must be %q or %q, got %q", name, BackendMemory, BackendRedis, backend)
	}
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
