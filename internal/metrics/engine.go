package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ResultOK is the result label for operations that succeeded.
const ResultOK = "ok"

// EngineMetrics holds metrics related to round execution.
type EngineMetrics struct {
	// RoundsTotal counts committed rounds.
	RoundsTotal prometheus.Counter

	// RoundLatency tracks the time to apply and commit a round.
	RoundLatency prometheus.Histogram

	// CurrentRound is the last committed round number.
	CurrentRound prometheus.Gauge

	// OperationsTotal counts applied operations.
	// Labels: operation, result (ok or the error class name)
	OperationsTotal *prometheus.CounterVec

	// EventsTotal counts emitted events by kind.
	EventsTotal *prometheus.CounterVec

	// InvariantViolationsTotal counts rounds aborted because an operation
	// found the stored state inconsistent.
	// Labels: operation
	InvariantViolationsTotal *prometheus.CounterVec

	// MempoolDepth is the number of submissions waiting for the next round.
	MempoolDepth prometheus.Gauge

	// MempoolRejectedTotal counts submissions refused because the mempool was full.
	MempoolRejectedTotal prometheus.Counter
}

// DefaultRoundLatencyBuckets are latency buckets for round execution.
var DefaultRoundLatencyBuckets = []float64{
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.025,  // 25ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.25,   // 250ms
	0.5,    // 500ms
	1.0,    // 1s
	2.5,    // 2.5s
}

// NewEngineMetrics creates engine metrics registered with the default registry.
func NewEngineMetrics() *EngineMetrics {
	return NewEngineMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewEngineMetricsWithRegistry creates engine metrics registered with a custom registry.
func NewEngineMetricsWithRegistry(reg prometheus.Registerer) *EngineMetrics {
	f := promauto.With(reg)
	return &EngineMetrics{
		RoundsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "rounds_total",
			Help:      "Total number of committed rounds.",
		}),
		RoundLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "round_latency_seconds",
			Help:      "Time to apply and commit a round in seconds.",
			Buckets:   DefaultRoundLatencyBuckets,
		}),
		CurrentRound: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "current_round",
			Help:      "Last committed round number.",
		}),
		OperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Total number of applied operations, broken down by operation and result.",
			},
			[]string{"operation", "result"},
		),
		EventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "events_total",
				Help:      "Total number of emitted events, broken down by kind.",
			},
			[]string{"event"},
		),
		InvariantViolationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "invariant_violations_total",
				Help:      "Total number of rounds aborted on inconsistent state, broken down by operation.",
			},
			[]string{"operation"},
		),
		MempoolDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mempool",
			Name:      "depth",
			Help:      "Number of submissions waiting for the next round.",
		}),
		MempoolRejectedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mempool",
			Name:      "rejected_total",
			Help:      "Total number of submissions refused because the mempool was full.",
		}),
	}
}

// RecordRound records a committed round.
func (m *EngineMetrics) RecordRound(round uint64, durationSeconds float64) {
	m.RoundsTotal.Inc()
	m.RoundLatency.Observe(durationSeconds)
	m.CurrentRound.Set(float64(round))
}

// RecordOperation counts an applied operation. An empty result means success.
func (m *EngineMetrics) RecordOperation(operation, result string) {
	if result == "" {
		result = ResultOK
	}
	m.OperationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordEvent counts an emitted event.
func (m *EngineMetrics) RecordEvent(kind string) {
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// RecordInvariantViolation counts a round aborted by operation.
func (m *EngineMetrics) RecordInvariantViolation(operation string) {
	m.InvariantViolationsTotal.WithLabelValues(operation).Inc()
}

// SetMempoolDepth updates the mempool depth gauge.
func (m *EngineMetrics) SetMempoolDepth(n int) {
	m.MempoolDepth.Set(float64(n))
}

// RecordMempoolRejected counts a refused submission.
func (m *EngineMetrics) RecordMempoolRejected() {
	m.MempoolRejectedTotal.Inc()
}
