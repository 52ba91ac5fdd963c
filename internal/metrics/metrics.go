/**
 * @description
 * Prometheus metrics for the benefit service, registered on a private registry and
 * exposed through Handler.
 *
 * @dependencies
 * - github.com/prometheus/client_golang: counters, histograms and the exposition handler.
 */
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync targets used as the `target` label.
const (
	TargetCode     = "code"
	TargetFund     = "fund"
	TargetEventLog = "event_log"
	TargetPublish  = "publish"
)

// Metrics manages the Prometheus collectors of the service.
type Metrics struct {
	registry *prometheus.Registry

	transitionsTotal    *prometheus.CounterVec
	syncFailuresTotal   *prometheus.CounterVec
	syncDuration        *prometheus.HistogramVec
	reconcileRepairs    *prometheus.CounterVec
	reconcileRuns       *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benefit_transitions_total",
			Help: "Lifecycle operations by action and outcome",
		},
		[]string{"action", "result"},
	)
	m.syncFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benefit_sync_failures_total",
			Help: "Ledger synchronization steps that failed",
		},
		[]string{"target"},
	)
	m.syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "benefit_sync_duration_seconds",
			Help:    "Duration of ledger synchronization steps",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)
	m.reconcileRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benefit_reconcile_repairs_total",
			Help: "Ledger records repaired by the reconciler",
		},
		[]string{"target"},
	)
	m.reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benefit_reconcile_runs_total",
			Help: "Reconciler runs by outcome",
		},
		[]string{"result"},
	)
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benefit_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "benefit_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	m.registry.MustRegister(
		m.transitionsTotal,
		m.syncFailuresTotal,
		m.syncDuration,
		m.reconcileRepairs,
		m.reconcileRuns,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveTransition(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.transitionsTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) SyncFailed(target string) {
	m.syncFailuresTotal.WithLabelValues(target).Inc()
}

func (m *Metrics) ObserveSync(target string, started time.Time) {
	m.syncDuration.WithLabelValues(target).Observe(time.Since(started).Seconds())
}

func (m *Metrics) Repaired(target string) {
	m.reconcileRepairs.WithLabelValues(target).Inc()
}

func (m *Metrics) ReconcileRun(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reconcileRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHTTP(method, endpoint string, status int, started time.Time) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(started).Seconds())
}
