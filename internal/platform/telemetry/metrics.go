// Package telemetry exposes the service's Prometheus metrics: HTTP traffic,
// identifier allocation, bed transitions and admission orchestration
// outcomes.
package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service registers. All recording
// methods are safe on a nil receiver so domain services can run without
// metrics in tests and CLI commands.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge

	IDsAllocated        *prometheus.CounterVec
	AllocationConflicts *prometheus.CounterVec

	BedTransitions *prometheus.CounterVec
	Orchestrations *prometheus.CounterVec
	Compensations  *prometheus.CounterVec
	Drift          *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route"}),

		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		IDsAllocated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "ids_allocated_total",
			Help:      "Identifiers issued per counter scope.",
		}, []string{"scope"}),

		AllocationConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "conflicts_total",
			Help:      "Counter transactions aborted by a concurrent writer.",
		}, []string{"scope"}),

		BedTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ward",
			Name:      "bed_transitions_total",
			Help:      "Bed status changes by source and target status.",
		}, []string{"from", "to"}),

		Orchestrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "operations_total",
			Help:      "Admit, transfer and discharge calls by outcome.",
		}, []string{"operation", "outcome"}),

		Compensations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "compensations_total",
			Help:      "Compensating bed releases by operation and result. Alert on result=failed.",
		}, []string{"operation", "result"}),

		Drift: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "drift_records",
			Help:      "Records found out of sync by the last reconcile run.",
		}, []string{"kind"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IDAllocated(scope string) {
	if m == nil {
		return
	}
	m.IDsAllocated.WithLabelValues(scope).Inc()
}

func (m *Metrics) AllocationConflict(scope string) {
	if m == nil {
		return
	}
	m.AllocationConflicts.WithLabelValues(scope).Inc()
}

func (m *Metrics) BedTransition(from, to string) {
	if m == nil {
		return
	}
	m.BedTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Orchestration(operation, outcome string) {
	if m == nil {
		return
	}
	m.Orchestrations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) Compensation(operation string, ok bool) {
	if m == nil {
		return
	}
	result := "released"
	if !ok {
		result = "failed"
	}
	m.Compensations.WithLabelValues(operation, result).Inc()
}

// DriftObserved replaces the drift gauge for kind with count.
func (m *Metrics) DriftObserved(kind string, count int) {
	if m == nil {
		return
	}
	m.Drift.WithLabelValues(kind).Set(float64(count))
}

// Middleware records request count, latency and in-flight gauge. Routes are
// labelled by their registered pattern, not the raw path.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.InFlight.Inc()
			defer m.InFlight.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.RequestsTotal.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			m.RequestDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
