package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/livegate/sessions"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.calls, ",")
}

func (r *recorder) resource(name string, initErr, disposeErr error) Resource {
	return Resource{
		Name: name,
		Initialize: func(context.Context) error {
			r.add("init:" + name)
			return initErr
		},
		Dispose: func(context.Context) error {
			r.add("dispose:" + name)
			return disposeErr
		},
	}
}

type fakeListener struct {
	rec *recorder
	err error
}

func (l fakeListener) Shutdown(context.Context) error {
	l.rec.add("listener")
	return l.err
}

type fakeSessions struct {
	rec *recorder
	err error
}

func (s fakeSessions) CloseAll(context.Context) error {
	s.rec.add("sessions")
	return s.err
}

func TestStartupAndShutdownOrder(t *testing.T) {
	rec := &recorder{}
	o := New(WithListeners(fakeListener{rec: rec}), WithSessions(fakeSessions{rec: rec}))
	o.Register(rec.resource("db", nil, nil), rec.resource("cache", nil, nil))

	ctx := context.Background()
	if err := o.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := "init:db,init:cache,listener,sessions,dispose:cache,dispose:db"
	if got := rec.String(); got != want {
		t.Fatalf("want %s got %s", want, got)
	}
	if !o.Gate().Closed() {
		t.Fatal("gate should be closed after shutdown")
	}
}

func TestStartupFailureRollsBack(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("connection refused")
	o := New()
	o.Register(
		rec.resource("db", nil, nil),
		rec.resource("cache", nil, nil),
		rec.resource("broker", boom, nil),
		rec.resource("never", nil, nil),
	)

	err := o.Startup(context.Background())
	var re *ResourceError
	if !errors.As(err, &re) {
		t.Fatalf("want *ResourceError got %v", err)
	}
	if re.Name != "broker" {
		t.Fatalf("want broker got %s", re.Name)
	}
	if !errors.Is(err, ErrResourceUnavailable) || !errors.Is(err, boom) {
		t.Fatalf("error should match both ErrResourceUnavailable and the cause: %v", err)
	}

	want := "init:db,init:cache,init:broker,dispose:cache,dispose:db"
	if got := rec.String(); got != want {
		t.Fatalf("want %s got %s", want, got)
	}
}

func TestShutdownRunsEveryStepAndJoinsErrors(t *testing.T) {
	rec := &recorder{}
	listenerErr := errors.New("listener stuck")
	sessionsErr := errors.New("close frame failed")
	disposeErr := errors.New("pool busy")

	o := New(
		WithListeners(fakeListener{rec: rec, err: listenerErr}),
		WithSessions(fakeSessions{rec: rec, err: sessionsErr}),
	)
	o.Register(rec.resource("db", nil, disposeErr), rec.resource("cache", nil, nil))
	if err := o.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	err := o.Shutdown(context.Background())
	for _, want := range []error{listenerErr, sessionsErr, disposeErr} {
		if !errors.Is(err, want) {
			t.Fatalf("expected %v in %v", want, err)
		}
	}
	if got := rec.String(); !strings.HasSuffix(got, "dispose:cache,dispose:db") {
		t.Fatalf("every resource must be disposed, got %s", got)
	}

	again := o.Shutdown(context.Background())
	if again == nil || again.Error() != err.Error() {
		t.Fatalf("second Shutdown should return the first result, got %v", again)
	}
	if n := strings.Count(rec.String(), "dispose:db"); n != 1 {
		t.Fatalf("want 1 dispose got %d", n)
	}
}

func TestNilLifecycleFuncsAreSkipped(t *testing.T) {
	o := New()
	o.Register(Resource{Name: "noop"})
	if err := o.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestStartupTwiceFails(t *testing.T) {
	o := New()
	if err := o.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if err := o.Startup(context.Background()); err == nil {
		t.Fatal("expected second Startup to fail")
	}
}

func TestGateMiddleware(t *testing.T) {
	g := NewGate()
	h := g.Middleware("/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/x", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("open gate: want %d got %d", http.StatusNoContent, rec.Code)
	}

	g.Close()

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/x", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("closed gate: want %d got %d", http.StatusServiceUnavailable, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "service_unavailable") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("exempt path: want %d got %d", http.StatusNoContent, rec.Code)
	}
}

// hungConn never finishes closing, like a socket whose peer stopped reading.
type hungConn struct {
	release chan struct{}
}

func (c hungConn) Receive(context.Context) sessions.Received {
	<-c.release
	return sessions.Received{Kind: sessions.KindClosed}
}

func (c hungConn) Send(context.Context, []byte) error { return nil }

func (c hungConn) Close(int, string) error {
	<-c.release
	return nil
}

func (c hungConn) Closed() bool { return false }

func TestShutdownDisposesResourcesWhenSessionsHang(t *testing.T) {
	rec := &recorder{}
	reg := sessions.NewRegistry()
	conn := hungConn{release: make(chan struct{})}
	defer close(conn.release)
	if _, err := reg.Connect(context.Background(), &conn, "a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	o := New(WithSessions(reg))
	o.Register(rec.resource("db", nil, nil))
	if err := o.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- o.Shutdown(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("want deadline exceeded got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not honour its context")
	}
	if got := rec.String(); got != "init:db,dispose:db" {
		t.Fatalf("want init:db,dispose:db got %s", got)
	}
	if reg.Len() != 0 {
		t.Fatalf("want empty registry got %d", reg.Len())
	}
}
