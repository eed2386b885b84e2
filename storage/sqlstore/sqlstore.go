// Package sqlstore is a SQLite-backed storage.EventStore built on the pure-Go
// modernc.org/sqlite driver.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ggoodman/livegate/lifecycle"
	"github.com/ggoodman/livegate/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	topic      TEXT    NOT NULL,
	data       BLOB,
	publisher  TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS events_topic_id ON events (topic, id);
`

var ErrNotOpen = errors.New("sqlstore: store is not open")

// Store persists events in a SQLite database file.
type Store struct {
	path string

	mu    sync.RWMutex
	sqlDB *sql.DB
}

var _ storage.EventStore = (*Store)(nil)

// New returns a store for the database at path. Nothing is opened until
// Open is called.
func New(path string) *Store {
	return &Store{path: path}
}

// Open opens the database, verifies it answers, and applies the schema.
func (s *Store) Open(ctx context.Context) error {
	if strings.TrimSpace(s.path) == "" {
		return fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(s.path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("apply schema: %w", err)
	}

	s.mu.Lock()
	s.sqlDB = sqlDB
	s.mu.Unlock()
	return nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sqlDB == nil {
		return nil
	}
	err := s.sqlDB.Close()
	s.sqlDB = nil
	return err
}

// Resource exposes the store to the lifecycle orchestrator.
func (s *Store) Resource() lifecycle.Resource {
	return lifecycle.Resource{
		Name:       "sqlite",
		Initialize: s.Open,
		Dispose:    func(context.Context) error { return s.Close() },
	}
}

func (s *Store) db() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sqlDB == nil {
		return nil, ErrNotOpen
	}
	return s.sqlDB, nil
}

func (s *Store) Append(ctx context.Context, ev storage.Event) (storage.Event, error) {
	if ev.Topic == "" {
		return storage.Event{}, storage.ErrEmptyTopic
	}
	db, err := s.db()
	if err != nil {
		return storage.Event{}, err
	}

	ev.CreatedAt = time.Now().UTC()
	res, err := db.ExecContext(ctx,
		`INSERT INTO events (topic, data, publisher, created_at) VALUES (?, ?, ?, ?)`,
		ev.Topic, []byte(ev.Data), ev.Publisher, ev.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return storage.Event{}, fmt.Errorf("insert event: %w", err)
	}
	ev.ID, err = res.LastInsertId()
	if err != nil {
		return storage.Event{}, fmt.Errorf("event id: %w", err)
	}
	ev.CreatedAt = time.UnixMilli(ev.CreatedAt.UnixMilli()).UTC()
	return ev, nil
}

func (s *Store) Recent(ctx context.Context, topic string, limit int) ([]storage.Event, error) {
	if topic == "" {
		return nil, storage.ErrEmptyTopic
	}
	db, err := s.db()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
SELECT id, topic, data, publisher, created_at FROM (
	SELECT id, topic, data, publisher, created_at FROM events
	WHERE topic = ? ORDER BY id DESC LIMIT ?
) ORDER BY id ASC`, topic, storage.NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]storage.Event, 0)
	for rows.Next() {
		var (
			ev      storage.Event
			data    []byte
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.Topic, &data, &ev.Publisher, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(data) > 0 {
			ev.Data = data
		}
		ev.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
