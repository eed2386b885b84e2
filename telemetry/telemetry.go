// Package telemetry wraps HTTP handlers with request correlation, timing,
// structured logging, tracing and latency metrics.
package telemetry

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ggoodman/livegate/internal/logctx"
	"github.com/ggoodman/livegate/internal/metrics"
)

const (
	HeaderRequestID   = "X-Request-ID"
	HeaderProcessTime = "X-Process-Time"

	tracerName = "github.com/ggoodman/livegate/telemetry"
)

// Option configures Middleware.
type Option func(*config)

type config struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	newID   func() string
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithMetrics records request latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *config) { c.tracer = t }
}

// Middleware correlates, times and logs every request.
//
// The correlation id is taken from X-Request-ID or generated, and echoed on
// the response. X-Process-Time carries the elapsed seconds on every
// response, including ones produced after a downstream panic; the panic is
// logged and re-raised for the error renderer further out.
func Middleware(opts ...Option) func(http.Handler) http.Handler {
	cfg := config{newID: uuid.NewString}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := logctx.Wrap(cfg.log)
	tracer := cfg.tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqID := r.Header.Get(HeaderRequestID)
			if reqID == "" {
				reqID = cfg.newID()
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("http.request.id", reqID),
				),
			)
			defer span.End()

			ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
				RequestID:  reqID,
				Method:     r.Method,
				Path:       r.URL.Path,
				RemoteAddr: r.RemoteAddr,
				UserAgent:  r.UserAgent(),
			})
			r = r.WithContext(ctx)

			w.Header().Set(HeaderRequestID, reqID)
			log.InfoContext(ctx, "http.request.start")

			rw := &responseWriter{ResponseWriter: w, start: start, status: http.StatusOK}

			defer func() {
				p := recover()
				if p == nil {
					return
				}
				dur := time.Since(start)
				if !rw.wroteHeader {
					w.Header().Set(HeaderProcessTime, formatSeconds(dur))
				}
				log.ErrorContext(ctx, "http.request.fail",
					slog.Duration("dur", dur),
					slog.String("err", fmt.Sprint(p)),
				)
				if err, ok := p.(error); ok {
					span.RecordError(err)
				}
				span.SetStatus(codes.Error, "panic")
				cfg.metrics.ObserveRequest(r.Method, http.StatusInternalServerError, dur)
				panic(p)
			}()

			next.ServeHTTP(rw, r)

			dur := time.Since(start)
			if !rw.wroteHeader {
				w.Header().Set(HeaderProcessTime, formatSeconds(dur))
			}
			span.SetAttributes(attribute.Int("http.response.status_code", rw.status))
			if rw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.status))
			}
			cfg.metrics.ObserveRequest(r.Method, rw.status, dur)
			log.InfoContext(ctx, "http.request.ok",
				slog.Int("status", rw.status),
				slog.Duration("dur", dur),
			)
		})
	}
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

// responseWriter stamps X-Process-Time just before headers are committed.
type responseWriter struct {
	http.ResponseWriter
	start       time.Time
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(status int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.status = status
	rw.Header().Set(HeaderProcessTime, formatSeconds(time.Since(rw.start)))
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(p)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		if !rw.wroteHeader {
			rw.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

// Hijack hands the connection to protocol upgrades such as WebSocket.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("telemetry: response writer does not support hijacking")
	}
	conn, buf, err := hj.Hijack()
	if err == nil {
		rw.wroteHeader = true
		rw.status = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
