// Package metrics exposes Prometheus metrics for HTTP traffic, core
// operations, store transactions and derived resource gauges.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/intake/internal/platform/apperr"
)

const namespace = "intake"

var durationBuckets = []float64{0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0}

// Recorder observes the outcome of one core operation.
type Recorder interface {
	Observe(ctx context.Context, operation string, err error, d time.Duration)
}

// Nop discards observations.
type Nop struct{}

func (Nop) Observe(context.Context, string, error, time.Duration) {}

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpActive   prometheus.Gauge

	operations *prometheus.CounterVec
	opDuration *prometheus.HistogramVec

	storeTx *prometheus.HistogramVec
}

// New builds the metric set. Process and Go runtime collectors are included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   durationBuckets,
		}, []string{"method", "route"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Core operations by name and outcome (ok or error kind).",
		}, []string{"operation", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of core operations in seconds.",
			Buckets:   durationBuckets,
		}, []string{"operation"}),
		storeTx: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "tx_duration_seconds",
			Help:      "Store transaction duration by driver and outcome.",
			Buckets:   durationBuckets,
		}, []string{"driver", "outcome"}),
	}
	m.registry.MustRegister(
		m.httpRequests, m.httpDuration, m.httpActive,
		m.operations, m.opDuration, m.storeTx,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Observe implements Recorder. The outcome label is "ok" or the error kind.
func (m *Metrics) Observe(_ context.Context, operation string, err error, d time.Duration) {
	if operation == "" {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.opDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveTx implements store.TxObserver.
func (m *Metrics) ObserveTx(driver, outcome string, d time.Duration) {
	m.storeTx.WithLabelValues(driver, outcome).Observe(d.Seconds())
}

// Middleware records request counts, durations and in-flight requests. The
// route label is the matched route pattern, never the raw path.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.httpActive.Inc()
			start := time.Now()

			err := next(c)

			m.httpActive.Dec()
			status := c.Response().Status
			if err != nil {
				status, _ = apperr.ToBody(err)
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
