package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/ggoodman/livegate/apierr"
	"github.com/ggoodman/livegate/internal/logctx"
	"github.com/ggoodman/livegate/internal/metrics"
)

// MiddlewareOption configures NewMiddleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	exempt  []string
	keyFunc func(*http.Request) string
	log     *slog.Logger
	metrics *metrics.Metrics
}

// WithExemptPrefixes adds path prefixes that bypass the limiter, on top of
// DefaultExemptPrefixes.
func WithExemptPrefixes(prefixes ...string) MiddlewareOption {
	return func(c *middlewareConfig) { c.exempt = append(c.exempt, prefixes...) }
}

// WithKeyFunc overrides how requests are grouped. The default is the client
// IP taken from the connection's remote address.
func WithKeyFunc(fn func(*http.Request) string) MiddlewareOption {
	return func(c *middlewareConfig) { c.keyFunc = fn }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) { c.log = log }
}

// WithMetrics records admission outcomes.
func WithMetrics(m *metrics.Metrics) MiddlewareOption {
	return func(c *middlewareConfig) { c.metrics = m }
}

var rejection = apierr.New(http.StatusTooManyRequests, "Too many requests").WithCode(apierr.CodeRateLimitExceeded)

// NewMiddleware admits each request through l before calling next.
//
// A limiter failure is logged and the request is let through.
func NewMiddleware(l Limiter, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{
		exempt:  append([]string(nil), DefaultExemptPrefixes...),
		keyFunc: ClientIP,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := logctx.Wrap(cfg.log)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isExempt(r.URL.Path, cfg.exempt) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			key := cfg.keyFunc(r)
			d, err := l.Admit(ctx, key)
			if err != nil {
				log.WarnContext(ctx, "ratelimit.admit.fail", slog.String("key", key), slog.String("err", err.Error()))
				next.ServeHTTP(w, r)
				return
			}
			cfg.metrics.Admission(d.Allowed)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Limit-d.Count, 0)))

			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d)))
				log.InfoContext(ctx, "ratelimit.reject",
					slog.String("key", key),
					slog.Int("count", d.Count),
					slog.Duration("reset_after", d.ResetAfter),
				)
				apierr.Write(w, apierr.Classify(rejection))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isExempt(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func retryAfterSeconds(d Decision) int {
	secs := int(math.Ceil(d.ResetAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// ClientIP returns the host part of r.RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
