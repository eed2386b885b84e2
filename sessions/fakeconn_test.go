package sessions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	inbound chan Received
	done    chan struct{}
	// closeGate, when set, holds Close until it is closed.
	closeGate chan struct{}

	mu        sync.Mutex
	sent      [][]byte
	sendErr   error
	closed    bool
	closeCode int
	closes    int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan Received, 16),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Receive(ctx context.Context) Received {
	select {
	case r := <-c.inbound:
		return r
	case <-c.done:
		return Received{Kind: KindClosed}
	}
}

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return ErrSessionClosed
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	if c.closeGate != nil {
		<-c.closeGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	close(c.done)
	return nil
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeConn) push(data string) {
	c.inbound <- Received{Kind: KindMessage, Data: []byte(data)}
}

func (c *fakeConn) frames(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.sent))
	for _, raw := range c.sent {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("sent frame %q is not JSON: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) waitFrames(t *testing.T, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.sent)
		c.mu.Unlock()
		if got >= n {
			return c.frames(t)
		}
		if time.Now().After(deadline) {
			t.Fatalf("want %d frames got %d", n, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (c *fakeConn) isClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}
