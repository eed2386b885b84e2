// Package lifecycle orders the startup and shutdown of the resources a
// service depends on.
//
// Startup initializes resources in registration order before any traffic
// is admitted. If one fails, those already initialized are disposed in
// reverse order and a *ResourceError is returned; the process should exit.
//
// Shutdown closes the admission Gate, stops the listeners, closes every
// live session and finally disposes resources in reverse order. Every step
// runs even when an earlier one fails; the failures are joined.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/livegate/internal/logctx"
)

// ErrResourceUnavailable matches every *ResourceError.
var ErrResourceUnavailable = errors.New("lifecycle: resource unavailable")

// Resource is an external collaborator with an initialize/dispose lifecycle.
// Either function may be nil.
type Resource struct {
	Name       string
	Initialize func(ctx context.Context) error
	Dispose    func(ctx context.Context) error
}

// ResourceError reports a resource that failed to initialize.
type ResourceError struct {
	Name string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("lifecycle: resource %s unavailable: %v", e.Name, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

func (e *ResourceError) Is(target error) bool { return target == ErrResourceUnavailable }

// Listener stops accepting new work. *http.Server satisfies it.
type Listener interface {
	Shutdown(ctx context.Context) error
}

// SessionCloser tears down every live session. *sessions.Registry
// satisfies it.
type SessionCloser interface {
	CloseAll(ctx context.Context) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithGate uses g instead of a fresh Gate.
func WithGate(g *Gate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithSessions closes s during Shutdown, after the listeners stopped.
func WithSessions(s SessionCloser) Option {
	return func(o *Orchestrator) { o.sessions = s }
}

// WithListeners stops ls during Shutdown.
func WithListeners(ls ...Listener) Option {
	return func(o *Orchestrator) { o.listeners = append(o.listeners, ls...) }
}

type Orchestrator struct {
	log       *slog.Logger
	gate      *Gate
	sessions  SessionCloser
	listeners []Listener

	mu          sync.Mutex
	resources   []Resource
	initialized []Resource
	started     bool
	shutdown    bool
	shutdownErr error
}

func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{}
	for _, opt := range opts {
		opt(o)
	}
	o.log = logctx.Wrap(o.log)
	if o.gate == nil {
		o.gate = NewGate()
	}
	return o
}

// Gate returns the admission gate closed by Shutdown.
func (o *Orchestrator) Gate() *Gate { return o.gate }

// Register appends resources. It must be called before Startup.
func (o *Orchestrator) Register(res ...Resource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resources = append(o.resources, res...)
}

// AddListener registers a listener stopped by Shutdown. Listeners are often
// only known once configuration is loaded, after New.
func (o *Orchestrator) AddListener(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

// Startup initializes every registered resource in order.
func (o *Orchestrator) Startup(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return errors.New("lifecycle: already started")
	}
	o.started = true

	for _, res := range o.resources {
		start := time.Now()
		if res.Initialize != nil {
			if err := res.Initialize(ctx); err != nil {
				o.log.ErrorContext(ctx, "lifecycle.resource.init.fail",
					slog.String("resource", res.Name),
					slog.String("err", err.Error()),
				)
				if derr := o.disposeLocked(ctx); derr != nil {
					o.log.ErrorContext(ctx, "lifecycle.rollback.fail", slog.String("err", derr.Error()))
				}
				return &ResourceError{Name: res.Name, Err: err}
			}
		}
		o.initialized = append(o.initialized, res)
		o.log.InfoContext(ctx, "lifecycle.resource.init.ok",
			slog.String("resource", res.Name),
			slog.Duration("dur", time.Since(start)),
		)
	}
	return nil
}

// Shutdown runs the shutdown sequence once; later calls return the first
// result.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.shutdown {
		return o.shutdownErr
	}
	o.shutdown = true

	var errs []error

	o.gate.Close()
	o.log.InfoContext(ctx, "lifecycle.gate.closed")

	for _, l := range o.listeners {
		if err := l.Shutdown(ctx); err != nil {
			o.log.ErrorContext(ctx, "lifecycle.listener.shutdown.fail", slog.String("err", err.Error()))
			errs = append(errs, fmt.Errorf("listener shutdown: %w", err))
		}
	}

	if o.sessions != nil {
		if err := o.sessions.CloseAll(ctx); err != nil {
			o.log.ErrorContext(ctx, "lifecycle.sessions.close.fail", slog.String("err", err.Error()))
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
	}

	if err := o.disposeLocked(ctx); err != nil {
		errs = append(errs, err)
	}

	o.shutdownErr = errors.Join(errs...)
	o.log.InfoContext(ctx, "lifecycle.shutdown.done")
	return o.shutdownErr
}

func (o *Orchestrator) disposeLocked(ctx context.Context) error {
	var errs []error
	for i := len(o.initialized) - 1; i >= 0; i-- {
		res := o.initialized[i]
		if res.Dispose == nil {
			continue
		}
		if err := res.Dispose(ctx); err != nil {
			o.log.ErrorContext(ctx, "lifecycle.resource.dispose.fail",
				slog.String("resource", res.Name),
				slog.String("err", err.Error()),
			)
			errs = append(errs, fmt.Errorf("dispose %s: %w", res.Name, err))
			continue
		}
		o.log.InfoContext(ctx, "lifecycle.resource.dispose.ok", slog.String("resource", res.Name))
	}
	o.initialized = nil
	return errors.Join(errs...)
}
