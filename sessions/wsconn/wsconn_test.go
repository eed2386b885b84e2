package wsconn

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/ggoodman/livegate/sessions"
)

func startServer(t *testing.T, maxFrame int) (string, <-chan sessions.Received) {
	t.Helper()
	results := make(chan sessions.Received, 16)
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		c := New(ws, maxFrame)
		defer c.Close(sessions.CloseNormal, "")
		for {
			res := c.Receive(context.Background())
			results <- res
			if res.Kind == sessions.KindMessage {
				_ = c.Send(context.Background(), append([]byte("echo:"), res.Data...))
			}
			if res.Kind == sessions.KindClosed || res.Fatal {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), results
}

func next(t *testing.T, ch <-chan sessions.Received) sessions.Received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for receive result")
		return sessions.Received{}
	}
}

func TestTextFramesRoundTrip(t *testing.T) {
	url, results := startServer(t, 0)
	ws, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := websocket.Message.Send(ws, `{"type":"ping"}`); err != nil {
		t.Fatalf("send: %v", err)
	}
	res := next(t, results)
	if res.Kind != sessions.KindMessage || string(res.Data) != `{"type":"ping"}` {
		t.Fatalf("unexpected result %+v", res)
	}

	var reply string
	if err := websocket.Message.Receive(ws, &reply); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if reply != `echo:{"type":"ping"}` {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestBinaryFramesAreRejectedNotFatal(t *testing.T) {
	url, results := startServer(t, 0)
	ws, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := websocket.Message.Send(ws, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("send: %v", err)
	}
	res := next(t, results)
	if res.Kind != sessions.KindError || res.Fatal || !errors.Is(res.Err, ErrBinaryFrame) {
		t.Fatalf("unexpected result %+v", res)
	}

	if err := websocket.Message.Send(ws, "still here"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if res := next(t, results); res.Kind != sessions.KindMessage {
		t.Fatalf("want message got %+v", res)
	}
}

func TestOversizedFramesAreRejectedNotFatal(t *testing.T) {
	url, results := startServer(t, 8)
	ws, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := websocket.Message.Send(ws, strings.Repeat("x", 64)); err != nil {
		t.Fatalf("send: %v", err)
	}
	res := next(t, results)
	if res.Kind != sessions.KindError || res.Fatal || !errors.Is(res.Err, ErrFrameTooLarge) {
		t.Fatalf("unexpected result %+v", res)
	}

	if err := websocket.Message.Send(ws, "ok"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if res := next(t, results); res.Kind != sessions.KindMessage || string(res.Data) != "ok" {
		t.Fatalf("want ok message got %+v", res)
	}
}

func TestPeerCloseIsReported(t *testing.T) {
	url, results := startServer(t, 0)
	ws, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = ws.Close()

	if res := next(t, results); res.Kind != sessions.KindClosed {
		t.Fatalf("want closed got %+v", res)
	}
}

func TestOriginChecker(t *testing.T) {
	check := OriginChecker([]string{"https://app.example.com"})
	cases := []struct {
		origin string
		ok     bool
	}{
		{origin: "https://app.example.com", ok: true},
		{origin: "https://evil.example.com", ok: false},
		{origin: "", ok: false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/ws/a", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		err := check(&websocket.Config{Version: websocket.ProtocolVersionHybi13}, req)
		if (err == nil) != tc.ok {
			t.Fatalf("origin %q: want ok=%v got err=%v", tc.origin, tc.ok, err)
		}
	}

	anyOrigin := OriginChecker([]string{"*"})
	if err := anyOrigin(&websocket.Config{Version: websocket.ProtocolVersionHybi13}, httptest.NewRequest("GET", "/ws/a", nil)); err != nil {
		t.Fatalf("wildcard should admit missing origin: %v", err)
	}
}

func startRegistry(t *testing.T, opts ...Option) (*sessions.Registry, string) {
	t.Helper()
	reg := sessions.NewRegistry()
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		conn := New(ws, 0, opts...)
		sess, err := reg.Connect(context.Background(), conn, ws.Request().URL.Query().Get("client"))
		if err != nil {
			return
		}
		reg.Serve(context.Background(), sess)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = reg.CloseAll(context.Background()) })
	return reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialClient(t *testing.T, url, client string) *websocket.Conn {
	t.Helper()
	ws, err := websocket.Dial(url+"/?client="+client, "", "http://localhost/")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func waitSessions(t *testing.T, reg *sessions.Registry, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("want %d sessions got %d", n, reg.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// drain reads frames until the connection fails.
func drain(ws *websocket.Conn) {
	go func() {
		for {
			var msg string
			if err := websocket.Message.Receive(ws, &msg); err != nil {
				return
			}
		}
	}()
}

func TestPeerThatStopsReadingIsDropped(t *testing.T) {
	reg, url := startRegistry(t, WithWriteTimeout(200*time.Millisecond))
	_ = dialClient(t, url, "stuck")
	drain(dialClient(t, url, "reader"))
	waitSessions(t, reg, 2)

	payload := []byte(strings.Repeat("x", 1<<20))
	var sendErr error
	for range 64 {
		start := time.Now()
		sendErr = reg.Broadcast(context.Background(), payload, sessions.All())
		if d := time.Since(start); d > 2*time.Second {
			t.Fatalf("broadcast took %v", d)
		}
		if sendErr != nil {
			break
		}
	}
	if !errors.Is(sendErr, sessions.ErrSendTimeout) {
		t.Fatalf("want ErrSendTimeout got %v", sendErr)
	}
	if got := len(reg.Sessions("stuck")); got != 0 {
		t.Fatalf("want stuck session dropped, %d left", got)
	}
	if got := len(reg.Sessions("reader")); got != 1 {
		t.Fatalf("want reader kept, got %d sessions", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := reg.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
}

func TestCloseAllCutsOffBlockedSend(t *testing.T) {
	reg, url := startRegistry(t, WithWriteTimeout(0))
	_ = dialClient(t, url, "stuck")
	waitSessions(t, reg, 1)

	payload := []byte(strings.Repeat("x", 1<<20))
	var sent atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 64 {
			_ = reg.Broadcast(context.Background(), payload, sessions.All())
			sent.Add(1)
		}
	}()

	// Wait for a send to block on the full socket.
	last, still := int64(-1), 0
	for still < 3 {
		time.Sleep(100 * time.Millisecond)
		n := sent.Load()
		if n == 64 {
			t.Fatal("peer socket never filled")
		}
		if n == last {
			still++
		} else {
			last, still = n, 0
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := reg.CloseAll(ctx); errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("CloseAll did not finish: %v", err)
	}
	if d := time.Since(start); d > 3*time.Second {
		t.Fatalf("CloseAll took %v", d)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("blocked broadcast was not released by CloseAll")
	}
}
