// Package metrics holds the Prometheus collectors of the hostd engine.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hostd"

var (
	durationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}
	requestBuckets  = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
)

// Metrics groups engine collectors. A nil *Metrics records nothing.
type Metrics struct {
	deployments          *prometheus.CounterVec
	deployDuration       prometheus.Histogram
	activeSessions       *prometheus.GaugeVec
	sessionMessages      *prometheus.CounterVec
	reconcileCorrections *prometheus.CounterVec
	reconcileRuns        prometheus.Counter
	commandDuration      *prometheus.HistogramVec
	httpRequests         *prometheus.CounterVec
	httpLatency          *prometheus.HistogramVec
	rateLimitHits        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "total",
			Help:      "Deployment attempts by outcome",
		}, []string{"outcome"}),
		deployDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "duration_seconds",
			Help:      "Duration of deployment attempts",
			Buckets:   durationBuckets,
		}),
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Active streaming sessions by kind",
		}, []string{"kind"}),
		sessionMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "messages_total",
			Help:      "Data frames relayed to clients by kind",
		}, []string{"kind"}),
		reconcileCorrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "corrections_total",
			Help:      "Status corrections applied by the reconciler",
		}, []string{"from", "to"}),
		reconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Completed reconcile passes",
		}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "command_duration_seconds",
			Help:      "Duration of external commands by program",
			Buckets:   durationBuckets,
		}, []string{"program", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   requestBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"}),
	}
	m.deployments = register(reg, m.deployments)
	m.deployDuration = register(reg, m.deployDuration)
	m.activeSessions = register(reg, m.activeSessions)
	m.sessionMessages = register(reg, m.sessionMessages)
	m.reconcileCorrections = register(reg, m.reconcileCorrections)
	m.reconcileRuns = register(reg, m.reconcileRuns)
	m.commandDuration = register(reg, m.commandDuration)
	m.httpRequests = register(reg, m.httpRequests)
	m.httpLatency = register(reg, m.httpLatency)
	m.rateLimitHits = register(reg, m.rateLimitHits)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// DeployFinished records a deployment outcome ("success" or "failure").
func (m *Metrics) DeployFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(outcome).Inc()
	m.deployDuration.Observe(d.Seconds())
}

// SessionOpened increments the active gauge for kind.
func (m *Metrics) SessionOpened(kind string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(kind).Inc()
}

// SessionClosed decrements the active gauge for kind.
func (m *Metrics) SessionClosed(kind string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(kind).Dec()
}

// SessionMessage counts a relayed data frame.
func (m *Metrics) SessionMessage(kind string) {
	if m == nil {
		return
	}
	m.sessionMessages.WithLabelValues(kind).Inc()
}

// Correction counts a reconciler status correction.
func (m *Metrics) Correction(from, to string) {
	if m == nil {
		return
	}
	m.reconcileCorrections.WithLabelValues(from, to).Inc()
}

// ReconcileRun counts a completed reconcile pass.
func (m *Metrics) ReconcileRun() {
	if m == nil {
		return
	}
	m.reconcileRuns.Inc()
}

// CommandFinished observes an external command; it matches runner.Observer.
func (m *Metrics) CommandFinished(program string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commandDuration.WithLabelValues(program, result).Observe(d.Seconds())
}

// HTTPRequest observes a served request. route is the registered pattern,
// not the raw path.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, code).Inc()
	m.httpLatency.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// RateLimitHit counts a rejected request.
func (m *Metrics) RateLimitHit(route, key string) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(route, key).Inc()
}
