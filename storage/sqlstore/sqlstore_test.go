package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ggoodman/livegate/storage"
	"github.com/ggoodman/livegate/storage/storagetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "events.db"))
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteEventStore(t *testing.T) {
	storagetest.RunEventStoreTests(t, func(t *testing.T) storage.EventStore {
		return openTestStore(t)
	})
}

func TestNotOpen(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "events.db"))
	if _, err := s.Append(context.Background(), storage.Event{Topic: "t"}); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("want ErrNotOpen got %v", err)
	}
}

func TestEmptyPathFailsToOpen(t *testing.T) {
	if err := New("  ").Open(context.Background()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestEventsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s := New(path)
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Append(ctx, storage.Event{Topic: "t", Data: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := New(path)
	if err := r.Open(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close()
	got, err := r.Recent(ctx, "t", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || string(got[0].Data) != `{"a":1}` {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestResourceLifecycle(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "events.db"))
	res := s.Resource()
	ctx := context.Background()
	if err := res.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := res.Dispose(ctx); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if _, err := s.Recent(ctx, "t", 1); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("want ErrNotOpen after dispose got %v", err)
	}
}
