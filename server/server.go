package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/ggoodman/livegate/apierr"
	"github.com/ggoodman/livegate/auth"
	"github.com/ggoodman/livegate/internal/logctx"
	"github.com/ggoodman/livegate/internal/metrics"
	"github.com/ggoodman/livegate/internal/wellknown"
	"github.com/ggoodman/livegate/lifecycle"
	"github.com/ggoodman/livegate/ratelimit"
	"github.com/ggoodman/livegate/sessions"
	"github.com/ggoodman/livegate/sessions/wsconn"
	"github.com/ggoodman/livegate/storage"
	"github.com/ggoodman/livegate/telemetry"
)

const (
	DefaultAPIPrefix = "/api/v1"
	DefaultRealm     = "livegate"

	pathHealth   = "/health"
	pathMetrics  = "/metrics"
	pathDocs     = "/docs/messages"
	pathSessions = "/ws/"
)

var errNilRegistry = errors.New("server: registry is required")

// Option configures a Server.
type Option func(*config)

type config struct {
	log          *slog.Logger
	version      string
	apiPrefix    string
	realm        string
	origins      []string
	limiter      ratelimit.Limiter
	exempt       []string
	gate         *lifecycle.Gate
	authorizer   auth.Authorizer
	store        storage.EventStore
	publisher    Publisher
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	tracer       trace.Tracer
	staticDir    string
	maxFrameSize int
	writeTimeout time.Duration
	resourceMeta *wellknown.ProtectedResourceMetadata
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(c *config) { c.version = v }
}

// WithAPIPrefix sets the path prefix of the business routes.
func WithAPIPrefix(prefix string) Option {
	return func(c *config) { c.apiPrefix = prefix }
}

// WithRealm names the realm sent in Bearer challenges.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = realm }
}

// WithAllowedOrigins sets the origins admitted by CORS and the WebSocket
// handshake. "*" admits any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(c *config) { c.origins = append([]string(nil), origins...) }
}

// WithRateLimiter enables admission control. A nil limiter disables it.
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(c *config) { c.limiter = l }
}

// WithExemptPrefixes adds paths that bypass the rate limiter on top of
// ratelimit.DefaultExemptPrefixes and /metrics.
func WithExemptPrefixes(prefixes ...string) Option {
	return func(c *config) { c.exempt = append(c.exempt, prefixes...) }
}

// WithGate rejects new requests once g closes. /health stays reachable.
func WithGate(g *lifecycle.Gate) Option {
	return func(c *config) { c.gate = g }
}

// WithAuthorizer guards the business routes. Without one every caller is
// admitted as auth.Anonymous.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(c *config) { c.authorizer = a }
}

// WithEvents mounts the events API on store. Published events go through
// p, or straight to the local registry when p is nil.
func WithEvents(store storage.EventStore, p Publisher) Option {
	return func(c *config) {
		c.store = store
		c.publisher = p
	}
}

// WithMetrics records request and session metrics in m and serves g on
// /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(c *config) {
		c.metrics = m
		c.gatherer = g
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *config) { c.tracer = t }
}

// WithStaticDir serves files from dir for every path no other route claims.
func WithStaticDir(dir string) Option {
	return func(c *config) { c.staticDir = dir }
}

// WithResourceMetadata serves md at wellknown.ProtectedResourcePath.
func WithResourceMetadata(md wellknown.ProtectedResourceMetadata) Option {
	return func(c *config) { c.resourceMeta = &md }
}

// WithMaxFrameBytes bounds inbound WebSocket frames.
func WithMaxFrameBytes(n int) Option {
	return func(c *config) { c.maxFrameSize = n }
}

// WithWriteTimeout bounds each outbound WebSocket frame. A session whose
// peer stops reading for longer is dropped.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) { c.writeTimeout = d }
}

// Server is the composed HTTP handler.
type Server struct {
	reg     *sessions.Registry
	log     *slog.Logger
	rd      *apierr.Renderer
	cfg     config
	docs    []byte
	handler http.Handler
}

var _ http.Handler = (*Server)(nil)

// New builds the handler tree around reg.
func New(reg *sessions.Registry, opts ...Option) (*Server, error) {
	if reg == nil {
		return nil, errNilRegistry
	}
	cfg := config{
		apiPrefix:    DefaultAPIPrefix,
		realm:        DefaultRealm,
		maxFrameSize: wsconn.DefaultMaxFrameBytes,
		writeTimeout: wsconn.DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.apiPrefix = "/" + strings.Trim(cfg.apiPrefix, "/")
	if cfg.apiPrefix == "/" {
		cfg.apiPrefix = ""
	}
	if cfg.authorizer == nil {
		cfg.authorizer = auth.Anonymous()
	}

	docs, err := messageSchemas()
	if err != nil {
		return nil, err
	}

	s := &Server{
		reg:  reg,
		log:  logctx.Wrap(cfg.log),
		rd:   apierr.NewRenderer(cfg.log),
		cfg:  cfg,
		docs: docs,
	}
	s.handler = s.compose(s.routes())
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+pathHealth, s.handleHealth)
	mux.HandleFunc("GET "+pathSessions+"{client_id}", s.handleSession)
	mux.HandleFunc("GET "+pathDocs, s.handleDocs)
	if s.cfg.gatherer != nil {
		mux.Handle("GET "+pathMetrics, promhttp.HandlerFor(s.cfg.gatherer, promhttp.HandlerOpts{}))
	}

	if s.cfg.resourceMeta != nil {
		mux.HandleFunc("GET "+wellknown.ProtectedResourcePath, s.handleResourceMetadata)
	}

	if s.cfg.store != nil {
		guard := auth.Require(s.cfg.authorizer, s.rd, s.cfg.realm)
		mux.Handle("POST "+s.cfg.apiPrefix+"/events", guard(s.rd.Handler(s.handlePublishEvent)))
		mux.Handle("GET "+s.cfg.apiPrefix+"/events", guard(s.rd.Handler(s.handleListEvents)))
	}

	if s.cfg.staticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.staticDir)))
	} else {
		mux.Handle("/", s.rd.Handler(func(http.ResponseWriter, *http.Request) error {
			return apierr.New(http.StatusNotFound, "Not found").WithCode(apierr.CodeNotFound)
		}))
	}
	return mux
}

func (s *Server) compose(h http.Handler) http.Handler {
	if s.cfg.limiter != nil {
		exempt := append([]string{pathMetrics}, s.cfg.exempt...)
		h = ratelimit.NewMiddleware(s.cfg.limiter,
			ratelimit.WithExemptPrefixes(exempt...),
			ratelimit.WithLogger(s.cfg.log),
			ratelimit.WithMetrics(s.cfg.metrics),
		)(h)
	}
	if s.cfg.gate != nil {
		h = s.cfg.gate.Middleware(pathHealth)(h)
	}
	if len(s.cfg.origins) > 0 {
		h = cors(s.cfg.origins)(h)
	}
	h = telemetry.Middleware(
		telemetry.WithLogger(s.cfg.log),
		telemetry.WithMetrics(s.cfg.metrics),
		telemetry.WithTracer(s.cfg.tracer),
	)(h)
	return s.rd.Recover(h)
}
