// Package memory provides an in-process relay.Relay for single-node
// deployments and tests.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/ggoodman/livegate/relay"
)

const (
	// DefaultHistory is how many messages per channel are kept for resume.
	DefaultHistory = 1024

	subscriberBuffer = 128
)

type Option func(*Relay)

// WithHistory bounds the messages kept per channel.
func WithHistory(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.history = n
		}
	}
}

// Relay implements relay.Relay with per-subscriber buffered channels.
type Relay struct {
	mu       sync.Mutex
	channels map[string]*channel
	seq      uint64
	history  int
	closed   bool
	done     chan struct{}
}

type channel struct {
	messages []relay.Envelope
	subs     map[*subscriber]struct{}
}

type subscriber struct {
	ch       chan relay.Envelope
	overflow chan struct{}
}

func New(opts ...Option) *Relay {
	r := &Relay{
		channels: make(map[string]*channel),
		history:  DefaultHistory,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) channelLocked(name string) *channel {
	c, ok := r.channels[name]
	if !ok {
		c = &channel{subs: make(map[*subscriber]struct{})}
		r.channels[name] = c
	}
	return c
}

func (r *Relay) Publish(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", relay.ErrClosed
	}

	r.seq++
	env := relay.Envelope{ID: strconv.FormatUint(r.seq, 10), Data: append([]byte(nil), data...)}

	c := r.channelLocked(name)
	c.messages = append(c.messages, env)
	if over := len(c.messages) - r.history; over > 0 {
		c.messages = append(c.messages[:0:0], c.messages[over:]...)
	}

	for sub := range c.subs {
		select {
		case sub.ch <- env:
		default:
			delete(c.subs, sub)
			close(sub.overflow)
		}
	}
	return env.ID, nil
}

func (r *Relay) Subscribe(ctx context.Context, name, lastEventID string, h relay.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return relay.ErrClosed
	}
	c := r.channelLocked(name)

	var backlog []relay.Envelope
	if lastEventID != "" {
		idx := -1
		for i, env := range c.messages {
			if env.ID == lastEventID {
				idx = i
				break
			}
		}
		if idx < 0 {
			r.mu.Unlock()
			return relay.ErrUnknownEventID
		}
		backlog = append(backlog, c.messages[idx+1:]...)
	}

	sub := &subscriber{
		ch:       make(chan relay.Envelope, subscriberBuffer+len(backlog)),
		overflow: make(chan struct{}),
	}
	for _, env := range backlog {
		sub.ch <- env
	}
	c.subs[sub] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(c.subs, sub)
		r.mu.Unlock()
	}()

	for {
		select {
		case env := <-sub.ch:
			if err := h(ctx, env); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return relay.ErrClosed
		case <-sub.overflow:
			return relay.ErrSubscriberOverflow
		case env := <-sub.ch:
			if err := h(ctx, env); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) Cleanup(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.channels[name]; ok {
		c.messages = nil
		if len(c.subs) == 0 {
			delete(r.channels, name)
		}
	}
	return nil
}

// Close ends every subscription with relay.ErrClosed.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
	return nil
}

var _ relay.Relay = (*Relay)(nil)
