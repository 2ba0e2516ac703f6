// Package metrics provides Prometheus metrics for console client operations.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the console client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	enabled bool

	// Request metrics
	apiRequestsTotal   *prometheus.CounterVec
	apiRequestDuration *prometheus.HistogramVec

	// Session metrics
	renewalsTotal      *prometheus.CounterVec
	csrfFailuresTotal  *prometheus.CounterVec
	authOperationTotal *prometheus.CounterVec

	// Cache metrics
	cacheEntries   *prometheus.GaugeVec
	rollbacksTotal *prometheus.CounterVec
}

// New creates metrics registered on the default registry.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool) *Metrics {
	if !enabled {
		return &Metrics{}
	}
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates enabled metrics registered on reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{enabled: true}

	m.apiRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "console_api_requests_total",
		Help: "Total backend requests by method and status code",
	}, []string{"method", "status"})

	m.apiRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "console_api_request_duration_seconds",
		Help:    "Backend request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	m.renewalsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "console_token_renewals_total",
		Help: "Token renewal attempts by result",
	}, []string{"result"})

	m.csrfFailuresTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "console_csrf_fetch_failures_total",
		Help: "CSRF token fetch failures by reason",
	}, []string{"reason"})

	m.authOperationTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "console_auth_operations_total",
		Help: "Auth lifecycle operations by operation and result",
	}, []string{"op", "result"})

	m.cacheEntries = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "console_cache_entries",
		Help: "Number of items held under a cache key",
	}, []string{"key"})

	m.rollbacksTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "console_optimistic_rollbacks_total",
		Help: "Optimistic cache mutations reverted after a failed request",
	}, []string{"key"})

	return m
}

func (m *Metrics) on() bool { return m != nil && m.enabled }

// RecordRequest records one backend exchange. status 0 means a transport failure.
func (m *Metrics) RecordRequest(method string, status int, d time.Duration) {
	if !m.on() {
		return
	}
	m.apiRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.apiRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordRenewal records a renewal outcome ("success" or "failure").
func (m *Metrics) RecordRenewal(result string) {
	if !m.on() {
		return
	}
	m.renewalsTotal.WithLabelValues(result).Inc()
}

// RecordCSRFFailure records a failed CSRF token fetch.
func (m *Metrics) RecordCSRFFailure(reason string) {
	if !m.on() {
		return
	}
	m.csrfFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordAuthOperation records an auth lifecycle operation outcome.
func (m *Metrics) RecordAuthOperation(op, result string) {
	if !m.on() {
		return
	}
	m.authOperationTotal.WithLabelValues(op, result).Inc()
}

// RecordRollback records a reverted optimistic mutation.
func (m *Metrics) RecordRollback(key string) {
	if !m.on() {
		return
	}
	m.rollbacksTotal.WithLabelValues(key).Inc()
}

// SetCacheEntries sets the number of items held under key.
func (m *Metrics) SetCacheEntries(key string, n int) {
	if !m.on() {
		return
	}
	m.cacheEntries.WithLabelValues(key).Set(float64(n))
}
