// Package storage defines the append-only event log written by the sample
// events route and read back by clients catching up on a topic.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultRecentLimit caps Recent when the caller passes a non-positive limit.
const DefaultRecentLimit = 50

var ErrEmptyTopic = errors.New("storage: empty topic")

// Event is a message published to a topic.
type Event struct {
	ID        int64           `json:"id"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data,omitempty"`
	Publisher string          `json:"publisher,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventStore persists published events.
type EventStore interface {
	// Append stores ev and returns it with ID and CreatedAt assigned.
	// IDs increase monotonically within a store.
	Append(ctx context.Context, ev Event) (Event, error)

	// Recent returns up to limit of the newest events of topic, oldest
	// first.
	Recent(ctx context.Context, topic string, limit int) ([]Event, error)
}

// NormalizeLimit applies DefaultRecentLimit to non-positive limits.
func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultRecentLimit {
		return DefaultRecentLimit
	}
	return limit
}
