// Package wsconn adapts golang.org/x/net/websocket connections to
// sessions.Conn.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/ggoodman/livegate/sessions"
)

const (
	// DefaultMaxFrameBytes bounds a single inbound frame.
	DefaultMaxFrameBytes = 64 << 10
	// DefaultWriteTimeout bounds a single outbound frame.
	DefaultWriteTimeout = 10 * time.Second

	closeGrace = time.Second
)

var (
	ErrBinaryFrame   = errors.New("binary frames are not supported")
	ErrFrameTooLarge = errors.New("frame exceeds the maximum size")
)

// textCodec carries raw text frames and refuses binary ones.
var textCodec = websocket.Codec{
	Marshal: func(v any) ([]byte, byte, error) {
		data, ok := v.([]byte)
		if !ok {
			return nil, 0, websocket.ErrNotSupported
		}
		return data, websocket.TextFrame, nil
	},
	Unmarshal: func(data []byte, payloadType byte, v any) error {
		if payloadType == websocket.BinaryFrame {
			return ErrBinaryFrame
		}
		out, ok := v.(*[]byte)
		if !ok {
			return websocket.ErrNotSupported
		}
		*out = data
		return nil
	},
}

// Option configures a Conn.
type Option func(*Conn)

// WithWriteTimeout bounds every Send whose context carries no earlier
// deadline. Zero or less leaves sends bounded only by their context.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

// Conn is a sessions.Conn over a WebSocket.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	// mu orders write deadline changes against Close.
	mu      sync.Mutex
	closing bool

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

var _ sessions.Conn = (*Conn)(nil)

// New wraps ws. Inbound frames larger than maxFrameBytes are rejected
// without ending the session; zero selects DefaultMaxFrameBytes.
func New(ws *websocket.Conn, maxFrameBytes int, opts ...Option) *Conn {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	ws.MaxPayloadBytes = maxFrameBytes
	c := &Conn{ws: ws, writeTimeout: DefaultWriteTimeout, closed: make(chan struct{})}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) Receive(ctx context.Context) sessions.Received {
	var data []byte
	err := textCodec.Receive(c.ws, &data)

	select {
	case <-c.closed:
		return sessions.Received{Kind: sessions.KindClosed}
	default:
	}

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		return sessions.Received{Kind: sessions.KindClosed}
	case errors.Is(err, websocket.ErrFrameTooLarge):
		return sessions.Received{Kind: sessions.KindError, Err: ErrFrameTooLarge}
	case errors.Is(err, ErrBinaryFrame):
		return sessions.Received{Kind: sessions.KindError, Err: ErrBinaryFrame}
	default:
		if ctx.Err() != nil {
			return sessions.Received{Kind: sessions.KindClosed}
		}
		return sessions.Received{Kind: sessions.KindError, Err: fmt.Errorf("websocket receive: %w", err), Fatal: true}
	}

	return sessions.Received{Kind: sessions.KindMessage, Data: data}
}

// Send writes data as one text frame. It gives up at the earlier of ctx's
// deadline and the write timeout; a frame cut short by the deadline leaves
// the stream unusable and is reported as sessions.ErrSendTimeout.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	var dl time.Time
	if c.writeTimeout > 0 {
		dl = time.Now().Add(c.writeTimeout)
	}
	if cdl, ok := ctx.Deadline(); ok && (dl.IsZero() || cdl.Before(dl)) {
		dl = cdl
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return sessions.ErrSessionClosed
	}
	_ = c.ws.SetWriteDeadline(dl)
	c.mu.Unlock()

	if err := textCodec.Send(c.ws, data); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("websocket send: %w: %w", sessions.ErrSendTimeout, err)
		}
		return fmt.Errorf("websocket send: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the socket. A Send blocked on a peer
// that stopped reading is cut off after a short grace period. x/net/websocket
// always reports status 1000, so code and reason are not transmitted.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		_ = c.ws.SetWriteDeadline(time.Now().Add(closeGrace))
		c.mu.Unlock()

		close(c.closed)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Request returns the HTTP request that opened the connection.
func (c *Conn) Request() *http.Request {
	return c.ws.Request()
}

// OriginChecker returns a handshake function admitting the given origins.
// "*" admits any origin, including requests that send none.
func OriginChecker(allowed []string) func(*websocket.Config, *http.Request) error {
	allowAny := slices.Contains(allowed, "*")
	return func(cfg *websocket.Config, r *http.Request) error {
		origin, err := websocket.Origin(cfg, r)
		if err != nil {
			return err
		}
		cfg.Origin = origin
		if allowAny {
			return nil
		}
		if origin == nil {
			return errors.New("missing origin")
		}
		if !slices.Contains(allowed, originString(origin)) {
			return fmt.Errorf("origin %q not allowed", originString(origin))
		}
		return nil
	}
}

func originString(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
