package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/livegate/internal/ids"
	"github.com/ggoodman/livegate/internal/jsoncodec"
	"github.com/ggoodman/livegate/internal/logctx"
	"github.com/ggoodman/livegate/internal/metrics"
)

// Option configures a Registry.
type Option func(*newConfig)

type newConfig struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	mux     *Mux
	now     func() time.Time
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.log = log }
}

// WithMetrics records session lifecycle and delivery counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *newConfig) { c.metrics = m }
}

// WithMux routes inbound frames through m instead of a fresh NewMux.
func WithMux(m *Mux) Option {
	return func(c *newConfig) { c.mux = m }
}

// Registry is the authoritative set of open sessions, keyed by client
// identifier.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	mux     *Mux
	now     func() time.Time

	mu      sync.RWMutex
	clients map[string]map[*Session]struct{}
	byConn  map[Conn]*Session
	closed  bool
}

func NewRegistry(opts ...Option) *Registry {
	cfg := newConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.mux == nil {
		cfg.mux = NewMux()
	}
	return &Registry{
		log:     logctx.Wrap(cfg.log),
		metrics: cfg.metrics,
		mux:     cfg.mux,
		now:     cfg.now,
		clients: make(map[string]map[*Session]struct{}),
		byConn:  make(map[Conn]*Session),
	}
}

// Mux returns the router used by Dispatch.
func (r *Registry) Mux() *Mux { return r.mux }

// Connect registers an accepted transport for clientID and returns its Open
// session. Connecting a conn that is already registered returns the
// existing session. A conn that was already closed, for example by an
// earlier Disconnect, is refused with ErrSessionClosed. Once CloseAll has
// run the conn is closed and ErrRegistryClosed is returned.
func (r *Registry) Connect(ctx context.Context, conn Conn, clientID string) (*Session, error) {
	if clientID == "" {
		return nil, ErrEmptyClientID
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close(CloseGoingAway, closeReasonShutdown)
		r.log.InfoContext(ctx, "ws.session.refused", slog.String("client_id", clientID))
		return nil, ErrRegistryClosed
	}
	if existing, ok := r.byConn[conn]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	if conn.Closed() {
		r.mu.Unlock()
		r.log.InfoContext(ctx, "ws.session.refused", slog.String("client_id", clientID), slog.String("err", ErrSessionClosed.Error()))
		return nil, ErrSessionClosed
	}

	sess := newSession(ids.NewHandle(), clientID, conn, r.now())
	sess.transition(StateConnecting, StateOpen)

	set, ok := r.clients[clientID]
	if !ok {
		set = make(map[*Session]struct{})
		r.clients[clientID] = set
	}
	set[sess] = struct{}{}
	r.byConn[conn] = sess
	r.mu.Unlock()

	r.metrics.SessionOpened()
	r.log.InfoContext(sess.logContext(ctx), "ws.session.open")
	return sess, nil
}

// Disconnect removes sess from the registry and closes its transport.
// Calling it again, or after CloseAll, does nothing.
func (r *Registry) Disconnect(sess *Session) {
	if sess == nil {
		return
	}

	removed := r.remove(sess)
	_ = sess.close(CloseNormal, closeReasonDisconnect)
	if removed {
		r.metrics.SessionClosed()
		r.log.InfoContext(sess.logContext(context.Background()), "ws.session.close",
			slog.Duration("dur", r.now().Sub(sess.connectedAt)),
		)
	}
}

func (r *Registry) remove(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.clients[sess.clientID]
	if !ok {
		return false
	}
	if _, ok := set[sess]; !ok {
		return false
	}
	delete(set, sess)
	if len(set) == 0 {
		delete(r.clients, sess.clientID)
	}
	if r.byConn[sess.conn] == sess {
		delete(r.byConn, sess.conn)
	}
	return true
}

// Broadcast sends msg to every Open session matched by pred. A nil pred
// matches all sessions. Failed deliveries are collected into a
// *BroadcastError; they never stop delivery to the remaining sessions.
func (r *Registry) Broadcast(ctx context.Context, msg any, pred Predicate) error {
	if pred == nil {
		pred = All()
	}
	data, err := encodeFrame(msg)
	if err != nil {
		return err
	}

	r.mu.RLock()
	targets := make([]*Session, 0)
	for _, set := range r.clients {
		for sess := range set {
			if sess.State() == StateOpen && pred(sess) {
				targets = append(targets, sess)
			}
		}
	}
	r.mu.RUnlock()

	return r.deliver(ctx, targets, data)
}

// SendToClient sends msg to every session of clientID.
func (r *Registry) SendToClient(ctx context.Context, clientID string, msg any) error {
	data, err := encodeFrame(msg)
	if err != nil {
		return err
	}

	r.mu.RLock()
	set := r.clients[clientID]
	targets := make([]*Session, 0, len(set))
	for sess := range set {
		if sess.State() == StateOpen {
			targets = append(targets, sess)
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return ErrClientNotConnected
	}
	return r.deliver(ctx, targets, data)
}

func (r *Registry) deliver(ctx context.Context, targets []*Session, data []byte) error {
	if len(targets) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		failures []DeliveryFailure
		wg       sync.WaitGroup
	)
	for _, sess := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.sendRaw(ctx, data); err != nil {
				r.metrics.DeliveryFailed()
				r.log.WarnContext(sess.logContext(ctx), "ws.deliver.fail", slog.String("err", err.Error()))
				if errors.Is(err, ErrSendTimeout) {
					r.Disconnect(sess)
				}
				mu.Lock()
				failures = append(failures, DeliveryFailure{Handle: sess.handle, ClientID: sess.clientID, Err: err})
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failures) == 0 {
		return nil
	}
	return &BroadcastError{Attempted: len(targets), Failures: failures}
}

// CloseAll refuses new sessions, sends a close frame to every session and
// empties the registry. Sessions are closed concurrently; if ctx ends first
// the registry is still empty and the remaining closes finish in the
// background. Later calls do nothing.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	targets := make([]*Session, 0, len(r.byConn))
	for _, sess := range r.byConn {
		targets = append(targets, sess)
	}
	r.clients = make(map[string]map[*Session]struct{})
	r.byConn = make(map[Conn]*Session)
	r.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, sess := range targets {
		sess.transition(StateOpen, StateClosing)
		r.metrics.SessionClosed()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.close(CloseGoingAway, closeReasonShutdown); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.log.WarnContext(ctx, "ws.registry.close.abandoned",
			slog.Int("sessions", len(targets)),
			slog.String("err", ctx.Err().Error()),
		)
		return fmt.Errorf("close sessions: %w", ctx.Err())
	}

	r.log.InfoContext(ctx, "ws.registry.closed", slog.Int("sessions", len(targets)))
	mu.Lock()
	defer mu.Unlock()
	return errors.Join(errs...)
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Sessions returns the open sessions of clientID.
func (r *Registry) Sessions(clientID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.clients[clientID]
	out := make([]*Session, 0, len(set))
	for sess := range set {
		out = append(out, sess)
	}
	return out
}

// Clients returns the number of distinct client identifiers with at least
// one open session.
func (r *Registry) Clients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Dispatch routes one inbound frame. Malformed frames and handler failures
// are answered in-session; the returned error is non-nil only when that
// answer could not be sent.
func (r *Registry) Dispatch(ctx context.Context, sess *Session, raw []byte) error {
	ctx = sess.logContext(ctx)

	var head envelopeHead
	if err := jsoncodec.Unmarshal(raw, &head); err != nil {
		r.metrics.Frame("rejected")
		r.log.InfoContext(ctx, "ws.frame.invalid", slog.String("err", err.Error()))
		return r.reject(ctx, sess, CodeInvalidJSON, "frame is not a valid JSON object")
	}
	if head.Type == nil || *head.Type == "" {
		r.metrics.Frame("rejected")
		return r.reject(ctx, sess, CodeMissingType, "frame has no type")
	}

	typ := *head.Type
	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{Type: typ})
	h, ok := r.mux.lookup(typ)
	if !ok {
		r.metrics.Frame("rejected")
		r.log.InfoContext(ctx, "ws.frame.unknown")
		return r.reject(ctx, sess, CodeUnknownType, "unknown message type: "+typ)
	}

	if err := h(ctx, sess, Message{Type: typ, Raw: raw}); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return err
		}
		r.metrics.Frame("failed")
		var fe *FrameError
		if errors.As(err, &fe) {
			return r.reject(ctx, sess, fe.Code, fe.Message)
		}
		r.log.ErrorContext(ctx, "ws.frame.handler.fail", slog.String("err", err.Error()))
		return r.reject(ctx, sess, CodeHandlerFailed, "message could not be processed")
	}

	r.metrics.Frame("dispatched")
	return nil
}

func (r *Registry) reject(ctx context.Context, sess *Session, code, message string) error {
	return sess.Send(ctx, newErrorFrame(code, message))
}

// Serve runs the receive loop of sess until the peer closes, the transport
// fails, or ctx is cancelled, then disconnects the session.
func (r *Registry) Serve(ctx context.Context, sess *Session) {
	defer r.Disconnect(sess)

	ctx = sess.logContext(ctx)
	stop := context.AfterFunc(ctx, func() {
		_ = sess.close(CloseGoingAway, closeReasonShutdown)
	})
	defer stop()

	for {
		res := sess.conn.Receive(ctx)
		switch res.Kind {
		case KindMessage:
			if err := r.Dispatch(ctx, sess, res.Data); err != nil {
				r.log.InfoContext(ctx, "ws.session.send.fail", slog.String("err", err.Error()))
				return
			}
		case KindClosed:
			r.log.InfoContext(ctx, "ws.session.peer_closed")
			return
		case KindError:
			if res.Fatal {
				r.log.WarnContext(ctx, "ws.session.receive.fail", slog.String("err", errString(res.Err)))
				return
			}
			r.metrics.Frame("rejected")
			if err := r.reject(ctx, sess, CodeUnsupportedData, errString(res.Err)); err != nil {
				return
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
