package sessions

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/livegate/internal/jsoncodec"
	"github.com/ggoodman/livegate/internal/logctx"
)

// Session is one registered connection of a client.
type Session struct {
	handle      string
	clientID    string
	conn        Conn
	connectedAt time.Time

	state atomic.Int32

	sendMu sync.Mutex

	attrMu sync.RWMutex
	topics map[string]struct{}

	closeOnce sync.Once
	closeErr  error
}

func newSession(handle, clientID string, conn Conn, now time.Time) *Session {
	s := &Session{
		handle:      handle,
		clientID:    clientID,
		conn:        conn,
		connectedAt: now,
		topics:      make(map[string]struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// Handle is the opaque, process-unique name of this connection.
func (s *Session) Handle() string { return s.handle }

func (s *Session) ClientID() string { return s.clientID }

func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Send encodes msg as JSON and writes it as one frame. []byte and
// json.RawMessage values are written as-is.
func (s *Session) Send(ctx context.Context, msg any) error {
	data, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	return s.sendRaw(ctx, data)
}

func (s *Session) sendRaw(ctx context.Context, data []byte) error {
	if s.State() != StateOpen {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	return s.conn.Send(ctx, data)
}

// Subscribe adds topic to the session's topic set. It reports whether the
// topic was newly added.
func (s *Session) Subscribe(topic string) bool {
	s.attrMu.Lock()
	defer s.attrMu.Unlock()
	if _, ok := s.topics[topic]; ok {
		return false
	}
	s.topics[topic] = struct{}{}
	return true
}

// Unsubscribe removes topic and reports whether it was present.
func (s *Session) Unsubscribe(topic string) bool {
	s.attrMu.Lock()
	defer s.attrMu.Unlock()
	if _, ok := s.topics[topic]; !ok {
		return false
	}
	delete(s.topics, topic)
	return true
}

func (s *Session) IsSubscribed(topic string) bool {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	_, ok := s.topics[topic]
	return ok
}

// Topics returns the subscribed topics in sorted order.
func (s *Session) Topics() []string {
	s.attrMu.RLock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	s.attrMu.RUnlock()
	slices.Sort(out)
	return out
}

// close moves the session to Closed, closing the transport exactly once.
func (s *Session) close(code int, reason string) error {
	s.closeOnce.Do(func() {
		for {
			cur := s.State()
			if cur == StateClosed || s.transition(cur, StateClosing) {
				break
			}
		}
		s.closeErr = s.conn.Close(code, reason)
		s.state.Store(int32(StateClosed))
	})
	return s.closeErr
}

func (s *Session) logContext(ctx context.Context) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		Handle:   s.handle,
		ClientID: s.clientID,
		State:    s.State().String(),
	})
}

func encodeFrame(msg any) ([]byte, error) {
	switch v := msg.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return jsoncodec.Marshal(msg)
	}
}
