package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/livegate/internal/jsoncodec"
	"github.com/ggoodman/livegate/internal/logctx"
	"github.com/ggoodman/livegate/lifecycle"
	"github.com/ggoodman/livegate/sessions"
	"github.com/ggoodman/livegate/storage"
)

// DefaultChannel is the channel events are published on.
const DefaultChannel = "events"

type ForwarderOption func(*Forwarder)

func WithChannel(name string) ForwarderOption {
	return func(f *Forwarder) { f.channel = name }
}

func WithLogger(log *slog.Logger) ForwarderOption {
	return func(f *Forwarder) { f.log = logctx.Wrap(log) }
}

// WithRetryDelay sets the pause before a failed subscription is retried.
func WithRetryDelay(d time.Duration) ForwarderOption {
	return func(f *Forwarder) { f.retry = d }
}

// Forwarder publishes storage events through a Relay and delivers every
// event it reads back to the sessions subscribed to the event's topic.
type Forwarder struct {
	relay   Relay
	reg     *sessions.Registry
	channel string
	log     *slog.Logger
	retry   time.Duration

	mu     sync.Mutex
	lastID string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewForwarder(r Relay, reg *sessions.Registry, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		relay:   r,
		reg:     reg,
		channel: DefaultChannel,
		log:     logctx.Wrap(nil),
		retry:   time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Publish sends ev to every node.
func (f *Forwarder) Publish(ctx context.Context, ev storage.Event) (string, error) {
	data, err := jsoncodec.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("relay: encode event: %w", err)
	}
	return f.relay.Publish(ctx, f.channel, data)
}

// Run consumes the channel until ctx is done, resubscribing after failures
// from the last event it saw.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		f.mu.Lock()
		from := f.lastID
		f.mu.Unlock()

		err := f.relay.Subscribe(ctx, f.channel, from, f.handle)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		if errors.Is(err, ErrUnknownEventID) {
			f.mu.Lock()
			f.lastID = ""
			f.mu.Unlock()
		}
		f.log.WarnContext(ctx, "relay.subscribe.fail",
			slog.String("channel", f.channel),
			slog.String("err", errString(err)),
			slog.Duration("retry_in", f.retry),
		)

		t := time.NewTimer(f.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (f *Forwarder) handle(ctx context.Context, env Envelope) error {
	f.mu.Lock()
	f.lastID = env.ID
	f.mu.Unlock()

	var ev storage.Event
	if err := jsoncodec.Unmarshal(env.Data, &ev); err != nil {
		f.log.WarnContext(ctx, "relay.decode.fail",
			slog.String("event_id", env.ID),
			slog.String("err", err.Error()),
		)
		return nil
	}

	frame := sessions.EventFrame{Type: sessions.FrameTypeEvent, Topic: ev.Topic, Data: ev.Data}
	if err := f.reg.Broadcast(ctx, frame, sessions.Subscribed(ev.Topic)); err != nil {
		f.log.WarnContext(ctx, "relay.deliver.partial",
			slog.String("topic", ev.Topic),
			slog.String("err", err.Error()),
		)
	}
	return nil
}

// Resource runs the forwarder for the lifetime of the service.
func (f *Forwarder) Resource() lifecycle.Resource {
	return lifecycle.Resource{
		Name: "relay",
		Initialize: func(context.Context) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.cancel != nil {
				return nil
			}
			ctx, cancel := context.WithCancel(context.Background())
			f.cancel = cancel
			f.done = make(chan struct{})
			go func(done chan struct{}) {
				defer close(done)
				if err := f.Run(ctx); err != nil {
					f.log.ErrorContext(ctx, "relay.run.fail", slog.String("err", err.Error()))
				}
			}(f.done)
			return nil
		},
		Dispose: func(ctx context.Context) error {
			f.mu.Lock()
			cancel, done := f.cancel, f.done
			f.cancel = nil
			f.mu.Unlock()
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
