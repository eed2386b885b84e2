// Command livegate serves the WebSocket session endpoint and the guarded
// HTTP API of the service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ggoodman/livegate/assetwatch"
	"github.com/ggoodman/livegate/auth"
	"github.com/ggoodman/livegate/config"
	"github.com/ggoodman/livegate/internal/logctx"
	"github.com/ggoodman/livegate/internal/metrics"
	"github.com/ggoodman/livegate/internal/tracing"
	"github.com/ggoodman/livegate/internal/wellknown"
	"github.com/ggoodman/livegate/lifecycle"
	"github.com/ggoodman/livegate/ratelimit"
	"github.com/ggoodman/livegate/ratelimit/redislimiter"
	"github.com/ggoodman/livegate/relay"
	relaymemory "github.com/ggoodman/livegate/relay/memory"
	"github.com/ggoodman/livegate/relay/redisrelay"
	"github.com/ggoodman/livegate/server"
	"github.com/ggoodman/livegate/sessions"
	"github.com/ggoodman/livegate/storage/redisstore"
	"github.com/ggoodman/livegate/storage/sqlstore"
)

const serviceName = "livegate"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	lvl, _ := cfg.Level()
	log := logctx.Wrap(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    serviceName,
		ServiceVersion: cfg.Version,
	})
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(promReg)
	if err != nil {
		return err
	}

	reg := sessions.NewRegistry(sessions.WithLogger(log), sessions.WithMetrics(m))
	orch := lifecycle.New(lifecycle.WithLogger(log), lifecycle.WithSessions(reg))

	store := sqlstore.New(cfg.DatabasePath)
	orch.Register(store.Resource())

	var rdb *redisstore.Store
	if cfg.RedisAddr != "" {
		rdb = redisstore.New(redisstore.Config{
			RedisAddr: cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
		})
		orch.Register(rdb.Resource())
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		switch cfg.RateLimit.Backend {
		case config.BackendRedis:
			limiter = redislimiter.NewWithClient(rdb.Client(), redislimiter.Config{
				KeyPrefix: cfg.RateLimit.KeyPrefix,
				Limit:     cfg.RateLimit.Requests,
				Window:    cfg.RateLimit.Window,
			})
		default:
			mem := ratelimit.NewMemory(
				ratelimit.WithLimit(cfg.RateLimit.Requests),
				ratelimit.WithWindow(cfg.RateLimit.Window),
			)
			orch.Register(lifecycle.Resource{
				Name:    "ratelimit",
				Dispose: func(context.Context) error { return mem.Close() },
			})
			limiter = mem
		}
	}

	var rl relay.Relay
	switch cfg.Relay.Backend {
	case config.BackendRedis:
		rl = redisrelay.NewWithClient(rdb.Client(), redisrelay.Config{
			KeyPrefix: cfg.Relay.KeyPrefix,
			MaxLen:    cfg.Relay.MaxLen,
		})
	default:
		mem := relaymemory.New()
		orch.Register(lifecycle.Resource{
			Name:    "relay.memory",
			Dispose: func(context.Context) error { return mem.Close() },
		})
		rl = mem
	}
	fwd := relay.NewForwarder(rl, reg, relay.WithLogger(log))
	orch.Register(fwd.Resource())

	opts := []server.Option{
		server.WithLogger(log),
		server.WithVersion(cfg.Version),
		server.WithAPIPrefix(cfg.APIPrefix),
		server.WithAllowedOrigins(cfg.AllowedOrigins...),
		server.WithGate(orch.Gate()),
		server.WithEvents(store, fwd),
		server.WithMetrics(m, promReg),
		server.WithMaxFrameBytes(cfg.MaxFrameBytes),
		server.WithWriteTimeout(cfg.WriteTimeout),
		server.WithExemptPrefixes(cfg.RateLimit.ExemptPrefixes...),
	}
	if limiter != nil {
		opts = append(opts, server.WithRateLimiter(limiter))
	}

	if cfg.Auth.Enabled() {
		a, err := auth.NewJWT(ctx, auth.JWTConfig{
			Issuer:         cfg.Auth.Issuer,
			Audience:       cfg.Auth.Audience,
			Secret:         cfg.Auth.Secret,
			JWKSURL:        cfg.Auth.JWKSURL,
			RequiredScopes: cfg.Auth.RequiredScopes,
			Leeway:         cfg.Auth.Leeway,
		})
		if err != nil {
			return err
		}
		opts = append(opts, server.WithAuthorizer(a))
		if cfg.PublicURL != "" {
			opts = append(opts, server.WithResourceMetadata(wellknown.NewProtectedResource(
				cfg.PublicURL, cfg.APIPrefix, cfg.Auth.Issuer, cfg.Auth.JWKSURL, cfg.Auth.RequiredScopes,
			)))
		}
	} else {
		log.WarnContext(ctx, "auth.disabled")
	}

	_, statErr := os.Stat(cfg.StaticDir)
	switch {
	case statErr != nil:
		log.WarnContext(ctx, "static.mount.skip", slog.String("dir", cfg.StaticDir), slog.String("err", statErr.Error()))
	case cfg.Debug:
		w := assetwatch.New(cfg.StaticDir, reg, assetwatch.WithLogger(log))
		orch.Register(w.Resource())
	default:
		opts = append(opts, server.WithStaticDir(cfg.StaticDir))
	}

	h, err := server.New(reg, opts...)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	orch.AddListener(httpSrv)

	if err := orch.Startup(ctx); err != nil {
		log.ErrorContext(ctx, "startup.fail", slog.String("err", err.Error()))
		_ = shutdownTracing(context.Background())
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "http.listen", slog.String("addr", cfg.Addr), slog.String("version", cfg.Version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.InfoContext(ctx, "shutdown.signal")
	case runErr = <-serveErr:
		if runErr != nil {
			log.ErrorContext(ctx, "http.serve.fail", slog.String("err", runErr.Error()))
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	start := time.Now()
	shutdownErr := orch.Shutdown(sctx)
	if err := shutdownTracing(sctx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if shutdownErr != nil {
		log.ErrorContext(sctx, "shutdown.fail", slog.String("err", shutdownErr.Error()), slog.Duration("dur", time.Since(start)))
	} else {
		log.InfoContext(sctx, "shutdown.ok", slog.Duration("dur", time.Since(start)))
	}
	return errors.Join(runErr, shutdownErr)
}
