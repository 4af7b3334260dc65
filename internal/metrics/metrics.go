// Package metrics holds the Prometheus instrumentation for both binaries.
// Each binary touches its own subset; registration happens once at startup
// against the registry the binary exposes on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics carries every instrument of the service.
type Metrics struct {
	// Gateway metrics
	SessionsActive    prometheus.Gauge
	FramesTotal       *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	InputHandoffs     prometheus.Counter

	// Backend pool metrics
	PoolOccupied    prometheus.Gauge
	PoolAcquireWait prometheus.Histogram

	// Store server metrics
	StoreRequests        *prometheus.CounterVec
	StoreRequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on reg. Tests pass a fresh registry;
// the binaries pass prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions_active",
			Help: "Number of live client sessions",
		}),

		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_frames_total",
				Help: "Client frames handled, by request code",
			},
			[]string{"code"},
		),

		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_executions_total",
				Help: "Sandbox executions, by mode and outcome",
			},
			[]string{"mode", "outcome"}, // outcome: ok, failed, timeout
		),

		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_execution_duration_seconds",
				Help:    "Wall-clock duration of sandbox executions",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),

		InputHandoffs: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_input_handoffs_total",
			Help: "Lines pumped into blocked sandbox payloads",
		}),

		PoolOccupied: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backend_pool_occupied",
			Help: "Backend sessions currently leased",
		}),

		PoolAcquireWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "backend_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a free backend session",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		StoreRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_requests_total",
				Help: "Store RPC commands served, by command and status",
			},
			[]string{"command", "status"},
		),

		StoreRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_request_duration_seconds",
				Help:    "Store RPC handling time, by command",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
	}
}

// RecordFrame counts one handled client frame.
func (m *Metrics) RecordFrame(code string) {
	m.FramesTotal.WithLabelValues(code).Inc()
}

// RecordExecution records a finished execution.
func (m *Metrics) RecordExecution(mode, outcome string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(mode, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordStoreRequest records one served store command.
func (m *Metrics) RecordStoreRequest(command, status string, duration time.Duration) {
	m.StoreRequests.WithLabelValues(command, status).Inc()
	m.StoreRequestDuration.WithLabelValues(command).Observe(duration.Seconds())
}
