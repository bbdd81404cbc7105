// Package metrics provides Prometheus metrics for the conversation service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing,
// which keeps tests and tools free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Provider metrics
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec
	FallbacksTotal       prometheus.Counter

	// Store metrics
	StoreErrorsTotal  *prometheus.CounterVec
	MessagesAppended  *prometheus.CounterVec
	IdempotentReplays prometheus.Counter
	PendingReplies    prometheus.Counter
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alma_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alma_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.ProviderCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alma_provider_calls_total",
			Help: "Total number of completion provider calls by outcome",
		},
		[]string{"provider", "outcome"},
	)
	m.ProviderCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alma_provider_call_duration_seconds",
			Help:    "Duration of completion provider calls in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 25, 60},
		},
		[]string{"provider"},
	)
	m.FallbacksTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "alma_provider_fallbacks_total",
			Help: "Total number of replies served by the secondary provider",
		},
	)

	m.StoreErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alma_store_errors_total",
			Help: "Total number of storage errors by operation",
		},
		[]string{"operation"},
	)
	m.MessagesAppended = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alma_messages_appended_total",
			Help: "Total number of messages appended by role",
		},
		[]string{"role"},
	)
	m.IdempotentReplays = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "alma_idempotent_replays_total",
			Help: "Total number of duplicate submissions answered from history",
		},
	)
	m.PendingReplies = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "alma_pending_replies_total",
			Help: "Total number of duplicate submissions answered while the reply was still pending",
		},
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) ObserveProviderCall(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCallsTotal.WithLabelValues(provider, outcome).Inc()
	m.ProviderCallDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) IncFallback() {
	if m == nil {
		return
	}
	m.FallbacksTotal.Inc()
}

func (m *Metrics) IncStoreError(operation string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) IncAppended(role string) {
	if m == nil {
		return
	}
	m.MessagesAppended.WithLabelValues(role).Inc()
}

func (m *Metrics) IncReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplays.Inc()
}

func (m *Metrics) IncPending() {
	if m == nil {
		return
	}
	m.PendingReplies.Inc()
}
