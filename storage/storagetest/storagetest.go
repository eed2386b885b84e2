// Package storagetest is a conformance suite for storage.EventStore
// implementations.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ggoodman/livegate/storage"
)

// StoreFactory returns an empty EventStore.
type StoreFactory func(t *testing.T) storage.EventStore

// RunEventStoreTests runs the complete EventStore suite against factory.
func RunEventStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Append_AssignsIncreasingIDs", func(t *testing.T) { testAppendAssignsIDs(t, factory) })
	t.Run("Append_RejectsEmptyTopic", func(t *testing.T) { testEmptyTopic(t, factory) })
	t.Run("Recent_OldestFirstWithinLimit", func(t *testing.T) { testRecentOrder(t, factory) })
	t.Run("Recent_TopicsAreIsolated", func(t *testing.T) { testTopicIsolation(t, factory) })
	t.Run("Append_Concurrent", func(t *testing.T) { testConcurrentAppend(t, factory) })
}

func testAppendAssignsIDs(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	a, err := s.Append(ctx, storage.Event{Topic: "jobs", Data: json.RawMessage(`{"n":1}`), Publisher: "alice"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	b, err := s.Append(ctx, storage.Event{Topic: "jobs", Data: json.RawMessage(`{"n":2}`)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if a.ID <= 0 || b.ID <= a.ID {
		t.Fatalf("ids must increase: %d then %d", a.ID, b.ID)
	}
	if a.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}
	if a.Publisher != "alice" {
		t.Fatalf("want alice got %q", a.Publisher)
	}
}

func testEmptyTopic(t *testing.T, factory StoreFactory) {
	s := factory(t)
	_, err := s.Append(context.Background(), storage.Event{})
	if !errors.Is(err, storage.ErrEmptyTopic) {
		t.Fatalf("want ErrEmptyTopic got %v", err)
	}
}

func testRecentOrder(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, storage.Event{Topic: "t", Data: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.Recent(ctx, "t", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 events got %d", len(got))
	}
	for i, ev := range got {
		var body struct{ N int }
		if err := json.Unmarshal(ev.Data, &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.N != i+2 {
			t.Fatalf("position %d: want n=%d got %d", i, i+2, body.N)
		}
	}
}

func testTopicIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	_, _ = s.Append(ctx, storage.Event{Topic: "a"})
	_, _ = s.Append(ctx, storage.Event{Topic: "b"})
	_, _ = s.Append(ctx, storage.Event{Topic: "b"})

	got, err := s.Recent(ctx, "a", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 event got %d", len(got))
	}
	none, err := s.Recent(ctx, "missing", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("want 0 events got %d", len(none))
	}
}

func testConcurrentAppend(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]bool)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := s.Append(ctx, storage.Event{Topic: "c"})
			if err != nil {
				t.Errorf("append: %v", err)
				return
			}
			mu.Lock()
			seen[ev.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 20 {
		t.Fatalf("want 20 distinct ids got %d", len(seen))
	}
}
