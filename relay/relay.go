// Package relay carries published events between service instances so that
// every node can push them to its own WebSocket sessions.
package relay

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a relay that has been closed.
	ErrClosed = errors.New("relay: closed")

	// ErrUnknownEventID is returned by Subscribe when lastEventID cannot be
	// resumed from.
	ErrUnknownEventID = errors.New("relay: unknown event id")

	// ErrSubscriberOverflow ends a subscription whose handler fell too far
	// behind the publishers.
	ErrSubscriberOverflow = errors.New("relay: subscriber overflow")
)

// Envelope is one message read from a channel.
type Envelope struct {
	// ID increases monotonically within a channel.
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

// Handler consumes envelopes in publish order. A non-nil error ends the
// subscription and is returned from Subscribe.
type Handler func(ctx context.Context, env Envelope) error

// Relay fans messages out to every subscriber of a channel.
type Relay interface {
	// Publish appends data to channel and returns its event ID.
	Publish(ctx context.Context, channel string, data []byte) (eventID string, err error)

	// Subscribe blocks, calling h for each message published to channel
	// after lastEventID, or after the call if lastEventID is empty. It
	// returns ctx.Err() when ctx is done.
	Subscribe(ctx context.Context, channel, lastEventID string, h Handler) error

	// Cleanup removes every stored message of channel.
	Cleanup(ctx context.Context, channel string) error
}
