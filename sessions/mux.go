package sessions

import (
	"context"
	"slices"
	"sync"
)

// HandlerFunc handles one inbound frame for sess.
type HandlerFunc func(ctx context.Context, sess *Session, msg Message) error

// Mux routes inbound frames by their type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMux returns a Mux with the built-in ping, subscribe and unsubscribe
// handlers registered.
func NewMux() *Mux {
	m := &Mux{handlers: make(map[string]HandlerFunc)}
	m.Handle("ping", handlePing)
	m.Handle("subscribe", handleSubscribe)
	m.Handle("unsubscribe", handleUnsubscribe)
	return m
}

// Handle registers h for frames of type typ, replacing any previous handler.
// It panics on an empty type or a nil handler.
func (m *Mux) Handle(typ string, h HandlerFunc) {
	if typ == "" {
		panic("sessions: empty message type")
	}
	if h == nil {
		panic("sessions: nil handler for " + typ)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[typ] = h
}

// Types returns the registered message types in sorted order.
func (m *Mux) Types() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		out = append(out, t)
	}
	m.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (m *Mux) lookup(typ string) (HandlerFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[typ]
	return h, ok
}

func handlePing(ctx context.Context, sess *Session, _ Message) error {
	return sess.Send(ctx, PongFrame{Type: "pong"})
}

func handleSubscribe(ctx context.Context, sess *Session, msg Message) error {
	topic, err := decodeTopic(msg)
	if err != nil {
		return err
	}
	sess.Subscribe(topic)
	return sess.Send(ctx, SubscriptionAck{Type: "subscribed", Topic: topic})
}

func handleUnsubscribe(ctx context.Context, sess *Session, msg Message) error {
	topic, err := decodeTopic(msg)
	if err != nil {
		return err
	}
	sess.Unsubscribe(topic)
	return sess.Send(ctx, SubscriptionAck{Type: "unsubscribed", Topic: topic})
}

func decodeTopic(msg Message) (string, error) {
	var f SubscribeFrame
	if err := msg.Decode(&f); err != nil {
		return "", &FrameError{Code: CodeInvalidTopic, Message: "topic must be a string"}
	}
	if f.Topic == "" {
		return "", &FrameError{Code: CodeInvalidTopic, Message: "topic is required"}
	}
	return f.Topic, nil
}
