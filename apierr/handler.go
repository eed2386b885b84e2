package apierr

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/ggoodman/livegate/internal/logctx"
)

// headerRequestID carries the correlation id stamped by the request
// telemetry middleware.
const headerRequestID = "X-Request-ID"

// Renderer writes classified errors and logs the ones clients cannot see.
type Renderer struct {
	log *slog.Logger
}

// NewRenderer returns a renderer logging through log. A nil logger discards.
func NewRenderer(log *slog.Logger) *Renderer {
	return &Renderer{log: logctx.Wrap(log)}
}

// Render classifies err and writes the matching envelope. Unclassified
// failures are logged with the correlation id of the request.
func (rd *Renderer) Render(w http.ResponseWriter, r *http.Request, err error) {
	env, known := classify(err)
	ctx := r.Context()
	if known {
		rd.log.DebugContext(ctx, "http.error.classified",
			slog.Int("status", env.StatusCode),
			slog.String("code", env.ErrorCode),
		)
	} else {
		rd.log.ErrorContext(ctx, "http.error.unclassified",
			slog.String("request_id", logctx.RequestID(ctx)),
			slog.String("err", err.Error()),
		)
	}
	Write(w, env)
}

// Handler adapts a handler that reports failures by returning an error.
func (rd *Renderer) Handler(fn func(w http.ResponseWriter, r *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			rd.Render(w, r, err)
		}
	})
}

// Recover converts panics raised downstream into unclassified failures.
// http.ErrAbortHandler is propagated untouched. When the panicking handler
// already committed a response nothing more is written.
func (rd *Renderer) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &trackingWriter{ResponseWriter: w}
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			r := correlate(w, r)
			err, ok := p.(error)
			if !ok {
				err = fmt.Errorf("panic: %v", p)
			} else {
				err = fmt.Errorf("panic: %w", err)
			}
			if tw.wroteHeader {
				rd.log.ErrorContext(r.Context(), "http.panic.after_write",
					slog.String("request_id", logctx.RequestID(r.Context())),
					slog.String("err", err.Error()),
				)
				return
			}
			rd.Render(w, r, err)
		}()
		next.ServeHTTP(tw, r)
	})
}

// correlate attaches the correlation id already stamped on the response, or
// sent by the client, when the request context carries none. That is the
// case when Recover runs outside the telemetry middleware.
func correlate(w http.ResponseWriter, r *http.Request) *http.Request {
	if logctx.RequestID(r.Context()) != "" {
		return r
	}
	id := w.Header().Get(headerRequestID)
	if id == "" {
		id = r.Header.Get(headerRequestID)
	}
	if id == "" {
		return r
	}
	return r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  id,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}))
}

type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (tw *trackingWriter) WriteHeader(status int) {
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(status)
}

func (tw *trackingWriter) Write(p []byte) (int, error) {
	tw.wroteHeader = true
	return tw.ResponseWriter.Write(p)
}

func (tw *trackingWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		tw.wroteHeader = true
		f.Flush()
	}
}

func (tw *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := tw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("apierr: response writer does not support hijacking")
	}
	tw.wroteHeader = true
	return hj.Hijack()
}

func (tw *trackingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}
