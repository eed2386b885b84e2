// Package relaytest is a conformance suite run by every relay.Relay
// implementation.
package relaytest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/livegate/relay"
)

// RelayFactory returns a fresh relay. Implementations register their own
// cleanup with t.
type RelayFactory func(t *testing.T) relay.Relay

func RunRelayTests(t *testing.T, factory RelayFactory) {
	t.Run("PublishAfterSubscribe", func(t *testing.T) { testPublishAfterSubscribe(t, factory) })
	t.Run("ResumeFromLastEventID", func(t *testing.T) { testResumeFromLastEventID(t, factory) })
	t.Run("FanOutToEverySubscriber", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("ChannelIsolation", func(t *testing.T) { testChannelIsolation(t, factory) })
	t.Run("OrderWithinChannel", func(t *testing.T) { testOrder(t, factory) })
	t.Run("ContextCancellation", func(t *testing.T) { testContextCancellation(t, factory) })
	t.Run("HandlerErrorEndsSubscription", func(t *testing.T) { testHandlerError(t, factory) })
	t.Run("InvalidLastEventID", func(t *testing.T) { testInvalidLastEventID(t, factory) })
}

type collector struct {
	mu   sync.Mutex
	envs []relay.Envelope
	want int
	full chan struct{}
}

func newCollector(want int) *collector {
	return &collector{want: want, full: make(chan struct{})}
}

func (c *collector) handle(_ context.Context, env relay.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	if len(c.envs) == c.want {
		close(c.full)
	}
	return nil
}

func (c *collector) wait(t *testing.T) []relay.Envelope {
	t.Helper()
	select {
	case <-c.full:
	case <-time.After(3 * time.Second):
		c.mu.Lock()
		n := len(c.envs)
		c.mu.Unlock()
		t.Fatalf("want %d envelopes got %d", c.want, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]relay.Envelope(nil), c.envs...)
}

// subscribe runs Subscribe in the background and returns a channel with its
// result. The short sleep lets the subscription reach its first read.
func subscribe(ctx context.Context, r relay.Relay, channel, last string, h relay.Handler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.Subscribe(ctx, channel, last, h) }()
	time.Sleep(100 * time.Millisecond)
	return done
}

func testPublishAfterSubscribe(t *testing.T, factory RelayFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newCollector(1)
	done := subscribe(ctx, r, "a", "", c.handle)

	id, err := r.Publish(ctx, "a", []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty event id")
	}

	got := c.wait(t)
	if got[0].ID != id {
		t.Fatalf("want id %s got %s", id, got[0].ID)
	}
	if string(got[0].Data) != `{"n":1}` {
		t.Fatalf("unexpected data %q", got[0].Data)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled got %v", err)
	}
}

func testResumeFromLastEventID(t *testing.T, factory RelayFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := r.Publish(ctx, "b", []byte("one"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	second, err := r.Publish(ctx, "b", []byte("two"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	c := newCollector(1)
	subscribe(ctx, r, "b", first, c.handle)

	got := c.wait(t)
	if got[0].ID != second || string(got[0].Data) != "two" {
		t.Fatalf("want %s/two got %s/%s", second, got[0].ID, got[0].Data)
	}
}

func testFanOut(t *testing.T, factory RelayFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c1, c2 := newCollector(1), newCollector(1)
	subscribe(ctx, r, "c", "", c1.handle)
	subscribe(ctx, r, "c", "", c2.handle)

	id, err := r.Publish(ctx, "c", []byte("x"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i, c := range []*collector{c1, c2} {
		if got := c.wait(t); got[0].ID != id {
			t.Fatalf("subscriber %d: want %s got %s", i, id, got[0].ID)
		}
	}
}

func testChannelIsolation(t *testing.T, factory RelayFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ca, cb := newCollector(1), newCollector(1)
	subscribe(ctx, r, "d1", "", ca.handle)
	subscribe(ctx, r, "d2", "", cb.handle)

	if _, err := r.Publish(ctx, "d1", []byte("for-1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := r.Publish(ctx, "d2", []byte("for-2")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := ca.wait(t); string(got[0].Data) != "for-1" {
		t.Fatalf("d1 got %q", got[0].Data)
	}
	if got := cb.wait(t); string(got[0].Data) != "for-2" {
		t.Fatalf("d2 got %q", got[0].Data)
	}

	time.Sleep(100 * time.Millisecond)
	ca.mu.Lock()
	n := len(ca.envs)
	ca.mu.Unlock()
	if n != 1 {
		t.Fatalf("want 1 envelope on d1 got %d", n)
	}
}

func testOrder(t *testing.T, factory RelayFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 20
	c := newCollector(n)
	subscribe(ctx, r, "e", "", c.handle)

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := r.Publish(ctx, "e", []byte{byte('a' + i)})
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		ids = append(ids, id)
	}

	got := c.wait(t)
	for i, env := range got {
		if env.ID != ids[i] {
			t.Fatalf("position %d: want %s got %s", i, ids[i], env.ID)
		}
	}
}

func testContextCancellation(t *testing.T, factory RelayFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := r.Subscribe(ctx, "f", "", func(context.Context, relay.Envelope) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want context.DeadlineExceeded got %v", err)
	}
}

func testHandlerError(t *testing.T, factory RelayFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("handler failed")
	done := subscribe(ctx, r, "g", "", func(context.Context, relay.Envelope) error { return boom })

	if _, err := r.Publish(ctx, "g", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("want handler error got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not end")
	}
}

func testInvalidLastEventID(t *testing.T, factory RelayFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := r.Subscribe(ctx, "h", "not-an-event-id", func(context.Context, relay.Envelope) error { return nil })
	if err == nil {
		t.Fatal("expected error for unknown event id")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected immediate failure, got timeout")
	}
}
