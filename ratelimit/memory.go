package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryOption configures a Memory limiter.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	limit     int
	window    time.Duration
	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper
}

type stopper interface {
	Stop() bool
}

// WithLimit sets the number of admissions per key per window.
func WithLimit(n int) MemoryOption {
	return func(c *memoryConfig) { c.limit = n }
}

// WithWindow sets the window length.
func WithWindow(d time.Duration) MemoryOption {
	return func(c *memoryConfig) { c.window = d }
}

func withClock(now func() time.Time, afterFunc func(time.Duration, func()) stopper) MemoryOption {
	return func(c *memoryConfig) {
		c.now = now
		c.afterFunc = afterFunc
	}
}

// Memory is an in-process fixed window limiter. All keys share one window
// which begins with the first admission after the table was last cleared.
type Memory struct {
	limit     int
	window    time.Duration
	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	mu          sync.Mutex
	counts      map[string]int
	windowStart time.Time
	timer       stopper
	closed      bool
}

var _ Limiter = (*Memory)(nil)

func NewMemory(opts ...MemoryOption) *Memory {
	cfg := memoryConfig{
		limit:  DefaultLimit,
		window: DefaultWindow,
		now:    time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.limit <= 0 {
		cfg.limit = DefaultLimit
	}
	if cfg.window <= 0 {
		cfg.window = DefaultWindow
	}

	return &Memory{
		limit:     cfg.limit,
		window:    cfg.window,
		now:       cfg.now,
		afterFunc: cfg.afterFunc,
		counts:    make(map[string]int),
	}
}

func (m *Memory) Admit(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.timer == nil && !m.closed {
		m.windowStart = now
		m.timer = m.afterFunc(m.window, m.reset)
	}

	resetAfter := m.window - now.Sub(m.windowStart)
	if resetAfter < 0 {
		resetAfter = 0
	}

	count := m.counts[key]
	if count >= m.limit {
		return Decision{Allowed: false, Count: count, Limit: m.limit, ResetAfter: resetAfter}, nil
	}

	count++
	m.counts[key] = count
	return Decision{Allowed: true, Count: count, Limit: m.limit, ResetAfter: resetAfter}, nil
}

// reset drops every window. The next admission starts a new one.
func (m *Memory) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts = make(map[string]int)
	m.timer = nil
}

// Close stops the pending reset timer. Admissions after Close keep counting
// but windows no longer reset.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	return nil
}

// Keys reports how many keys are tracked in the current window.
func (m *Memory) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counts)
}
