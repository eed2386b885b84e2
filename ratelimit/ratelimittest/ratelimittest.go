// Package ratelimittest is a conformance suite run by every Limiter
// implementation's tests.
package ratelimittest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/livegate/ratelimit"
)

// LimiterFactory creates a Limiter admitting limit requests per key per
// window. Each call must return a limiter with no prior state.
type LimiterFactory func(t *testing.T, limit int, window time.Duration) ratelimit.Limiter

// RunLimiterTests runs the complete Limiter suite against factory.
func RunLimiterTests(t *testing.T, factory LimiterFactory) {
	t.Run("Admit_UpToLimit", func(t *testing.T) { testAdmitUpToLimit(t, factory) })
	t.Run("Admit_RejectsPastLimit", func(t *testing.T) { testRejectsPastLimit(t, factory) })
	t.Run("Admit_KeysAreIndependent", func(t *testing.T) { testKeysIndependent(t, factory) })
	t.Run("Admit_ResetsAfterWindow", func(t *testing.T) { testResetsAfterWindow(t, factory) })
	t.Run("Admit_ReportsResetAfter", func(t *testing.T) { testReportsResetAfter(t, factory) })
	t.Run("Admit_ConcurrentNeverExceedsLimit", func(t *testing.T) { testConcurrent(t, factory) })
}

func testAdmitUpToLimit(t *testing.T, factory LimiterFactory) {
	l := factory(t, 3, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := l.Admit(ctx, "10.0.0.1")
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("admission %d unexpectedly rejected", i)
		}
		if d.Count != i {
			t.Fatalf("want count %d got %d", i, d.Count)
		}
		if d.Limit != 3 {
			t.Fatalf("want limit %d got %d", 3, d.Limit)
		}
	}
}

func testRejectsPastLimit(t *testing.T, factory LimiterFactory) {
	l := factory(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Admit(ctx, "k"); err != nil {
			t.Fatalf("admit: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		d, err := l.Admit(ctx, "k")
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		if d.Allowed {
			t.Fatalf("admission %d past the limit was allowed", 4+i)
		}
		if d.Err() != ratelimit.ErrRejected {
			t.Fatalf("want ErrRejected got %v", d.Err())
		}
	}
}

func testKeysIndependent(t *testing.T, factory LimiterFactory) {
	l := factory(t, 1, time.Minute)
	ctx := context.Background()

	if d, _ := l.Admit(ctx, "a"); !d.Allowed {
		t.Fatal("first admission for a rejected")
	}
	if d, _ := l.Admit(ctx, "a"); d.Allowed {
		t.Fatal("second admission for a allowed")
	}
	if d, _ := l.Admit(ctx, "b"); !d.Allowed {
		t.Fatal("exhausting a must not affect b")
	}
}

func testResetsAfterWindow(t *testing.T, factory LimiterFactory) {
	window := 200 * time.Millisecond
	l := factory(t, 2, window)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d, _ := l.Admit(ctx, "k"); !d.Allowed {
			t.Fatalf("admission %d rejected", i+1)
		}
	}
	if d, _ := l.Admit(ctx, "k"); d.Allowed {
		t.Fatal("third admission allowed inside the window")
	}

	deadline := time.Now().Add(5 * window)
	for {
		d, err := l.Admit(ctx, "k")
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		if d.Allowed {
			if d.Count != 1 {
				t.Fatalf("want fresh window count 1 got %d", d.Count)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("window never reset")
		}
		time.Sleep(window / 4)
	}
}

func testReportsResetAfter(t *testing.T, factory LimiterFactory) {
	window := 10 * time.Second
	l := factory(t, 1, window)
	ctx := context.Background()

	d, err := l.Admit(ctx, "k")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.ResetAfter <= 0 || d.ResetAfter > window {
		t.Fatalf("reset after %v outside (0, %v]", d.ResetAfter, window)
	}
}

func testConcurrent(t *testing.T, factory LimiterFactory) {
	const limit = 25
	l := factory(t, limit, time.Minute)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Admit(ctx, "shared")
			if err != nil {
				errs <- fmt.Errorf("admit: %w", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if got := allowed.Load(); got != limit {
		t.Fatalf("want %d allowed got %d", limit, got)
	}
}
