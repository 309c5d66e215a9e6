package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gigvault"

var (
	coordinatorOnce    sync.Once
	coordinatorMetrics *CoordinatorMetrics

	gatewayOnce    sync.Once
	gatewayMetrics *GatewayMetrics
)

// CoordinatorMetrics tracks orchestration outcomes per operation.
type CoordinatorMetrics struct {
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
}

// Coordinator returns the process-wide coordinator metrics collection.
func Coordinator() *CoordinatorMetrics {
	coordinatorOnce.Do(func() {
		coordinatorMetrics = &CoordinatorMetrics{
			requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "operations_total",
				Help:      "Escrow coordination operations grouped by outcome.",
			}, []string{"operation", "outcome"}),
			latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "operation_duration_seconds",
				Help:      "End to end latency of coordination operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "operation_errors_total",
				Help:      "Coordination failures grouped by reason.",
			}, []string{"operation", "reason"}),
			reconciliations: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "reconciliations_required_total",
				Help:      "Operations that ended with funds moved but local state uncommitted.",
			}, []string{"operation"}),
		}
	})
	return coordinatorMetrics
}

// Observe records one finished operation.
func (m *CoordinatorMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordError counts a failure by its classified reason.
func (m *CoordinatorMetrics) RecordError(operation, reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(operation, reason).Inc()
}

// RecordReconciliationRequired counts the escape-hatch outcomes that page an
// operator.
func (m *CoordinatorMetrics) RecordReconciliationRequired(operation string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(operation).Inc()
}

// GatewayMetrics tracks the HTTP surface.
type GatewayMetrics struct {
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// Gateway returns the process-wide HTTP metrics collection.
func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayMetrics = &GatewayMetrics{
			requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "HTTP requests grouped by route, method and status class.",
			}, []string{"route", "method", "status"}),
			durations: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
	})
	return gatewayMetrics
}

// Observe records one finished HTTP request.
func (m *GatewayMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, statusLabel(status)).Inc()
	m.durations.WithLabelValues(route, method).Observe(duration.Seconds())
}

func statusLabel(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100*100) + "s"
}
