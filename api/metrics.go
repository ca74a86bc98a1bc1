package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/trainer-ledger/ledger"
)

// Metrics holds the service's Prometheus collectors. Each instance registers
// on its own registry so tests can build as many routers as they like.
type Metrics struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	driftClients  prometheus.Gauge
	reconcileRuns *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	auto := promauto.With(reg)

	return &Metrics{
		registry: reg,
		operations: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "trainer_ledger_operations_total",
			Help: "Ledger operations by action and outcome",
		}, []string{"action", "outcome"}),
		httpRequests: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "trainer_ledger_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		httpLatency: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trainer_ledger_http_request_duration_seconds",
			Help:    "Request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route"}),
		driftClients: auto.NewGauge(prometheus.GaugeOpts{
			Name: "trainer_ledger_reconcile_drift_clients",
			Help: "Clients whose balances disagreed with their audit history in the last reconciliation",
		}),
		reconcileRuns: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "trainer_ledger_reconcile_runs_total",
			Help: "Reconciliation runs by result",
		}, []string{"result"}),
	}
}

// ObserveOperation implements ledger.Observer.
func (m *Metrics) ObserveOperation(action ledger.Action, outcome string) {
	m.operations.WithLabelValues(string(action), outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) recordReconcile(drifted int, failed bool) {
	m.driftClients.Set(float64(drifted))
	result := "ok"
	switch {
	case failed:
		result = "error"
	case drifted > 0:
		result = "drift"
	}
	m.reconcileRuns.WithLabelValues(result).Inc()
}

// instrument records request counts and latency by chi route pattern, so
// client ids do not explode label cardinality.
func (m *Metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
