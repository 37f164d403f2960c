package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Maintenance tick outcome label values.
const (
	TickSubmitted  = "submitted"
	TickLeaseHeld  = "lease_held"
	TickNothingDue = "nothing_due"
	TickTimeout    = "timeout"
	TickProbeError = "probe_error"
	TickError      = "error"
)

// MaintenanceMetrics holds metrics for the maintenance driver.
type MaintenanceMetrics struct {
	// TicksTotal counts maintenance ticks by outcome.
	TicksTotal *prometheus.CounterVec

	// ProbeLatency tracks probe latency by URI scheme and result
	// (Healthy, Broken or error).
	ProbeLatency *prometheus.HistogramVec
}

// DefaultProbeLatencyBuckets are latency buckets for chunk probes.
var DefaultProbeLatencyBuckets = []float64{
	0.005, // 5ms
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.0,   // 2s
	5.0,   // 5s
}

// NewMaintenanceMetrics creates maintenance metrics registered with the default registry.
func NewMaintenanceMetrics() *MaintenanceMetrics {
	return NewMaintenanceMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMaintenanceMetricsWithRegistry creates maintenance metrics registered with a custom registry.
func NewMaintenanceMetricsWithRegistry(reg prometheus.Registerer) *MaintenanceMetrics {
	f := promauto.With(reg)
	return &MaintenanceMetrics{
		TicksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "maintenance",
				Name:      "ticks_total",
				Help:      "Total number of maintenance ticks, broken down by outcome.",
			},
			[]string{"outcome"},
		),
		ProbeLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "maintenance",
				Name:      "probe_latency_seconds",
				Help:      "Chunk probe latency in seconds, broken down by URI scheme and result.",
				Buckets:   DefaultProbeLatencyBuckets,
			},
			[]string{"scheme", "result"},
		),
	}
}

// RecordTick counts a maintenance tick.
func (m *MaintenanceMetrics) RecordTick(outcome string) {
	m.TicksTotal.WithLabelValues(outcome).Inc()
}

// RecordProbe records a probe latency.
func (m *MaintenanceMetrics) RecordProbe(scheme, result string, durationSeconds float64) {
	m.ProbeLatency.WithLabelValues(scheme, result).Observe(durationSeconds)
}
