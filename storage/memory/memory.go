// Package memory provides an in-memory storage.EventStore that keeps a
// bounded number of events per topic.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/livegate/storage"
)

// Store implements storage.EventStore in process memory.
type Store struct {
	perTopic int
	now      func() time.Time

	mu     sync.RWMutex
	nextID int64
	topics map[string][]storage.Event
}

var _ storage.EventStore = (*Store)(nil)

// New keeps at most perTopic events for each topic; older ones are dropped.
func New(perTopic int) *Store {
	if perTopic <= 0 {
		perTopic = storage.DefaultRecentLimit
	}
	return &Store{
		perTopic: perTopic,
		now:      time.Now,
		topics:   make(map[string][]storage.Event),
	}
}

func (s *Store) Append(_ context.Context, ev storage.Event) (storage.Event, error) {
	if ev.Topic == "" {
		return storage.Event{}, storage.ErrEmptyTopic
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	ev.ID = s.nextID
	ev.CreatedAt = s.now().UTC()
	ev.Data = append([]byte(nil), ev.Data...)

	events := append(s.topics[ev.Topic], ev)
	if len(events) > s.perTopic {
		events = append([]storage.Event(nil), events[len(events)-s.perTopic:]...)
	}
	s.topics[ev.Topic] = events
	return ev, nil
}

func (s *Store) Recent(_ context.Context, topic string, limit int) ([]storage.Event, error) {
	if topic == "" {
		return nil, storage.ErrEmptyTopic
	}
	limit = storage.NormalizeLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.topics[topic]
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]storage.Event(nil), events...), nil
}

// Close releases nothing; it exists so Store can back a lifecycle resource.
func (s *Store) Close() error { return nil }
