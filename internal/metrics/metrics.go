// Package metrics holds the Prometheus collectors shared by the admission
// and session layers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "livegate"

// Metrics groups every collector exported by the gateway.
type Metrics struct {
	requestDuration *prometheus.HistogramVec
	admissions      *prometheus.CounterVec
	sessionsOpen    prometheus.Gauge
	sessionEvents   *prometheus.CounterVec
	frames          *prometheus.CounterVec
	deliveryErrors  prometheus.Counter
}

// New creates the collectors and registers them with reg. A collector that is
// already registered (for example by a second handler in tests) is reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"outcome"}),
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "open",
			Help:      "Sessions currently tracked by the registry.",
		}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "lifecycle_total",
			Help:      "Session lifecycle transitions.",
		}, []string{"event"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "frames_total",
			Help:      "Inbound session frames by dispatch outcome.",
		}, []string{"outcome"}),
		deliveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "delivery_failures_total",
			Help:      "Outbound frames that could not be delivered.",
		}),
	}

	collectors := []*prometheus.Collector{
		ptr(prometheus.Collector(m.requestDuration)),
		ptr(prometheus.Collector(m.admissions)),
		ptr(prometheus.Collector(m.sessionsOpen)),
		ptr(prometheus.Collector(m.sessionEvents)),
		ptr(prometheus.Collector(m.frames)),
		ptr(prometheus.Collector(m.deliveryErrors)),
	}
	for _, c := range collectors {
		if err := reg.Register(*c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			*c = are.ExistingCollector
		}
	}
	m.requestDuration = (*collectors[0]).(*prometheus.HistogramVec)
	m.admissions = (*collectors[1]).(*prometheus.CounterVec)
	m.sessionsOpen = (*collectors[2]).(prometheus.Gauge)
	m.sessionEvents = (*collectors[3]).(*prometheus.CounterVec)
	m.frames = (*collectors[4]).(*prometheus.CounterVec)
	m.deliveryErrors = (*collectors[5]).(prometheus.Counter)

	return m, nil
}

func ptr[T any](v T) *T { return &v }

func (m *Metrics) ObserveRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) Admission(allowed bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if allowed {
		outcome = "allowed"
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpen.Inc()
	m.sessionEvents.WithLabelValues("open").Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsOpen.Dec()
	m.sessionEvents.WithLabelValues("close").Inc()
}

// Frame records an inbound frame; outcome is "dispatched", "rejected" or "failed".
func (m *Metrics) Frame(outcome string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryErrors.Inc()
}
