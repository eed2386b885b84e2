package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestConnectIsIdempotentPerConn(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	conn := newFakeConn()

	a, err := r.Connect(ctx, conn, "alice")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	b, err := r.Connect(ctx, conn, "alice")
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if a != b {
		t.Fatal("expected the same session for the same conn")
	}
	if r.Len() != 1 {
		t.Fatalf("want 1 session got %d", r.Len())
	}
	if a.State() != StateOpen {
		t.Fatalf("want open got %v", a.State())
	}
	if a.Handle() == "" {
		t.Fatal("expected a handle")
	}
}

func TestConnectRejectsEmptyClientID(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Connect(context.Background(), newFakeConn(), ""); !errors.Is(err, ErrEmptyClientID) {
		t.Fatalf("want ErrEmptyClientID got %v", err)
	}
}

func TestTwoHandlesPerClientIndependentlyReachable(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	c1, c2 := newFakeConn(), newFakeConn()

	s1, _ := r.Connect(ctx, c1, "alice")
	s2, _ := r.Connect(ctx, c2, "alice")
	if s1.Handle() == s2.Handle() {
		t.Fatal("handles must differ")
	}
	if got := len(r.Sessions("alice")); got != 2 {
		t.Fatalf("want 2 sessions got %d", got)
	}

	if err := r.SendToClient(ctx, "alice", map[string]string{"type": "hello"}); err != nil {
		t.Fatalf("SendToClient: %v", err)
	}
	if len(c1.frames(t)) != 1 || len(c2.frames(t)) != 1 {
		t.Fatal("both sessions should receive the personal message")
	}

	r.Disconnect(s1)
	if err := r.SendToClient(ctx, "alice", map[string]string{"type": "again"}); err != nil {
		t.Fatalf("SendToClient: %v", err)
	}
	if len(c1.frames(t)) != 1 {
		t.Fatal("disconnected session must not receive")
	}
	if len(c2.frames(t)) != 2 {
		t.Fatal("remaining session should still receive")
	}
}

func TestSendToUnknownClient(t *testing.T) {
	r := NewRegistry()
	err := r.SendToClient(context.Background(), "nobody", map[string]string{"type": "x"})
	if !errors.Is(err, ErrClientNotConnected) {
		t.Fatalf("want ErrClientNotConnected got %v", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn()
	sess, _ := r.Connect(context.Background(), conn, "bob")

	r.Disconnect(sess)
	r.Disconnect(sess)

	if r.Len() != 0 {
		t.Fatalf("want 0 sessions got %d", r.Len())
	}
	if r.Clients() != 0 {
		t.Fatalf("empty client sets must be removed, %d left", r.Clients())
	}
	if sess.State() != StateClosed {
		t.Fatalf("want closed got %v", sess.State())
	}
	if closed, code := conn.isClosed(); !closed || code != CloseNormal {
		t.Fatalf("want conn closed with %d, got closed=%v code=%d", CloseNormal, closed, code)
	}
}

func TestCloseAllEmptiesRegistry(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	conns := []*fakeConn{newFakeConn(), newFakeConn(), newFakeConn()}
	var sessions []*Session
	for i, c := range conns {
		s, err := r.Connect(ctx, c, "client-"+strconv.Itoa(i%2))
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		sessions = append(sessions, s)
	}

	if err := r.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if r.Len() != 0 || r.Clients() != 0 {
		t.Fatalf("want empty registry, got %d sessions over %d clients", r.Len(), r.Clients())
	}
	for i, c := range conns {
		if closed, code := c.isClosed(); !closed || code != CloseGoingAway {
			t.Fatalf("conn %d: want closed with %d, got closed=%v code=%d", i, CloseGoingAway, closed, code)
		}
		if sessions[i].State() != StateClosed {
			t.Fatalf("session %d: want closed got %v", i, sessions[i].State())
		}
	}

	if err := r.CloseAll(ctx); err != nil {
		t.Fatalf("second CloseAll: %v", err)
	}

	// Late disconnects from receive loops are harmless.
	for _, s := range sessions {
		r.Disconnect(s)
	}

	late := newFakeConn()
	if _, err := r.Connect(ctx, late, "late"); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("want ErrRegistryClosed got %v", err)
	}
	if closed, _ := late.isClosed(); !closed {
		t.Fatal("refused conn must be closed")
	}
}

func TestBroadcastCollectsFailures(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	good1, bad, good2 := newFakeConn(), newFakeConn(), newFakeConn()
	injected := errors.New("broken pipe")
	bad.failSends(injected)

	_, _ = r.Connect(ctx, good1, "a")
	_, _ = r.Connect(ctx, bad, "b")
	_, _ = r.Connect(ctx, good2, "c")

	err := r.Broadcast(ctx, map[string]string{"type": "news"}, All())
	var be *BroadcastError
	if !errors.As(err, &be) {
		t.Fatalf("want *BroadcastError got %v", err)
	}
	if be.Attempted != 3 || len(be.Failures) != 1 {
		t.Fatalf("want 1 of 3 failures got %d of %d", len(be.Failures), be.Attempted)
	}
	if be.Failures[0].ClientID != "b" {
		t.Fatalf("want failure for b got %s", be.Failures[0].ClientID)
	}
	if !errors.Is(err, injected) {
		t.Fatal("BroadcastError should unwrap to the delivery error")
	}
	if len(good1.frames(t)) != 1 || len(good2.frames(t)) != 1 {
		t.Fatal("healthy sessions must still receive the broadcast")
	}
}

func TestBroadcastPredicates(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	ca, cb, cc := newFakeConn(), newFakeConn(), newFakeConn()
	sa, _ := r.Connect(ctx, ca, "a")
	_, _ = r.Connect(ctx, cb, "b")
	sc, _ := r.Connect(ctx, cc, "c")
	sa.Subscribe("prices")
	sc.Subscribe("prices")

	if err := r.Broadcast(ctx, []byte(`{"type":"tick"}`), Subscribed("prices")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(ca.frames(t)) != 1 || len(cb.frames(t)) != 0 || len(cc.frames(t)) != 1 {
		t.Fatal("only subscribed sessions should receive")
	}

	if err := r.Broadcast(ctx, []byte(`{"type":"tock"}`), Not(ByClient("a"))); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(ca.frames(t)) != 1 || len(cb.frames(t)) != 1 || len(cc.frames(t)) != 2 {
		t.Fatal("Not(ByClient) should exclude a")
	}

	if err := r.Broadcast(ctx, []byte(`{"type":"all"}`), nil); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(cb.frames(t)) != 2 {
		t.Fatal("nil predicate should match every session")
	}
}

func TestSendsToOneSessionKeepOrder(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	conn := newFakeConn()
	_, _ = r.Connect(ctx, conn, "a")

	for i := 0; i < 50; i++ {
		if err := r.SendToClient(ctx, "a", map[string]int{"seq": i}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i, f := range conn.frames(t) {
		if f["seq"] != float64(i) {
			t.Fatalf("frame %d out of order: %v", i, f["seq"])
		}
	}
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.Connect(ctx, newFakeConn(), fmt.Sprintf("c%d", i%5))
			if err != nil {
				t.Errorf("Connect: %v", err)
				return
			}
			_ = r.Broadcast(ctx, []byte(`{"type":"x"}`), All())
			r.Disconnect(s)
		}()
	}
	wg.Wait()

	if r.Len() != 0 || r.Clients() != 0 {
		t.Fatalf("want empty registry got %d sessions over %d clients", r.Len(), r.Clients())
	}
}

func TestServeEndsOnPeerClose(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn()
	sess, _ := r.Connect(context.Background(), conn, "a")

	done := make(chan struct{})
	go func() {
		r.Serve(context.Background(), sess)
		close(done)
	}()

	conn.push(`{"type":"ping"}`)
	frames := conn.waitFrames(t, 1)
	if frames[0]["type"] != "pong" {
		t.Fatalf("want pong got %v", frames[0])
	}

	conn.inbound <- Received{Kind: KindClosed}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	if r.Len() != 0 {
		t.Fatal("session should be deregistered after Serve returns")
	}
}

func TestServeEndsOnCloseAll(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn()
	sess, _ := r.Connect(context.Background(), conn, "a")

	done := make(chan struct{})
	go func() {
		r.Serve(context.Background(), sess)
		close(done)
	}()

	if err := r.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CloseAll should unblock the pending receive")
	}
}

func TestServeEndsOnContextCancel(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn()
	sess, _ := r.Connect(context.Background(), conn, "a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Serve(ctx, sess)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if r.Len() != 0 {
		t.Fatal("session should be deregistered")
	}
}

func TestServeSurvivesNonFatalErrors(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn()
	sess, _ := r.Connect(context.Background(), conn, "a")
	go r.Serve(context.Background(), sess)

	conn.inbound <- Received{Kind: KindError, Err: errors.New("binary frames are not supported")}
	conn.push(`{"type":"ping"}`)

	frames := conn.waitFrames(t, 2)
	if frames[0]["type"] != "error" {
		t.Fatalf("want error frame got %v", frames[0])
	}
	if frames[1]["type"] != "pong" {
		t.Fatalf("want pong got %v", frames[1])
	}
	if sess.State() != StateOpen {
		t.Fatalf("want open got %v", sess.State())
	}
	r.Disconnect(sess)
}

func TestServeEndsOnFatalError(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn()
	sess, _ := r.Connect(context.Background(), conn, "a")

	done := make(chan struct{})
	go func() {
		r.Serve(context.Background(), sess)
		close(done)
	}()
	conn.inbound <- Received{Kind: KindError, Err: errors.New("connection reset"), Fatal: true}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return on fatal error")
	}
	if sess.State() != StateClosed {
		t.Fatalf("want closed got %v", sess.State())
	}
}

func TestConnectRefusesClosedConn(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	conn := newFakeConn()
	sess, err := r.Connect(ctx, conn, "a")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Disconnect(sess)

	again, err := r.Connect(ctx, conn, "a")
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("want ErrSessionClosed got %v", err)
	}
	if again != nil {
		t.Fatal("no session should be returned for a closed conn")
	}
	if r.Len() != 0 {
		t.Fatalf("want 0 sessions got %d", r.Len())
	}
}

func TestSendTimeoutDisconnectsSession(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	stuck, reader := newFakeConn(), newFakeConn()
	stuckSess, _ := r.Connect(ctx, stuck, "a")
	_, _ = r.Connect(ctx, reader, "b")
	stuck.failSends(fmt.Errorf("websocket send: %w", ErrSendTimeout))

	err := r.Broadcast(ctx, map[string]string{"type": "tick"}, All())
	var berr *BroadcastError
	if !errors.As(err, &berr) || len(berr.Failures) != 1 {
		t.Fatalf("want one failed delivery got %v", err)
	}
	if berr.Failures[0].Handle != stuckSess.Handle() {
		t.Fatalf("want failure for %s got %s", stuckSess.Handle(), berr.Failures[0].Handle)
	}
	if r.Len() != 1 {
		t.Fatalf("want 1 session got %d", r.Len())
	}
	if closed, _ := stuck.isClosed(); !closed {
		t.Fatal("timed out conn must be closed")
	}
	if got := len(reader.frames(t)); got != 1 {
		t.Fatalf("want 1 frame got %d", got)
	}
}

func TestCloseAllReturnsWhenContextEnds(t *testing.T) {
	r := NewRegistry()
	stuck, other := newFakeConn(), newFakeConn()
	stuck.closeGate = make(chan struct{})
	defer close(stuck.closeGate)
	_, _ = r.Connect(context.Background(), stuck, "a")
	_, _ = r.Connect(context.Background(), other, "b")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.CloseAll(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded got %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("CloseAll took %v", d)
	}
	if r.Len() != 0 {
		t.Fatalf("want empty registry got %d", r.Len())
	}
	deadline := time.Now().Add(time.Second)
	for {
		if closed, _ := other.isClosed(); closed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("other sessions must be closed despite one stuck close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
