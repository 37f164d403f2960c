package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LifecycleMetrics holds metrics for chunk inspection scheduling and
// registry reaping.
type LifecycleMetrics struct {
	// PointerBucket is the round key of the lowest scheduled bucket, or -1
	// when nothing is scheduled.
	PointerBucket prometheus.Gauge

	// ScheduledBuckets is the number of non-empty inspection buckets.
	ScheduledBuckets prometheus.Gauge

	// InspectionsTotal counts chunk inspections by reported status.
	InspectionsTotal *prometheus.CounterVec

	// PendingDeletions is the number of registries waiting to be reaped.
	PendingDeletions prometheus.Gauge

	// ReaperStepsTotal counts reaper invocations.
	ReaperStepsTotal prometheus.Counter

	// ReapedChunksTotal counts chunks removed by the reaper.
	ReapedChunksTotal prometheus.Counter

	// ReapedGrantsTotal counts access grants removed by the reaper.
	ReapedGrantsTotal prometheus.Counter

	// ReapedRegistriesTotal counts registries fully removed.
	ReapedRegistriesTotal prometheus.Counter
}

// NewLifecycleMetrics creates lifecycle metrics registered with the default registry.
func NewLifecycleMetrics() *LifecycleMetrics {
	return NewLifecycleMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewLifecycleMetricsWithRegistry creates lifecycle metrics registered with a custom registry.
func NewLifecycleMetricsWithRegistry(reg prometheus.Registerer) *LifecycleMetrics {
	f := promauto.With(reg)
	return &LifecycleMetrics{
		PointerBucket: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pointer_bucket",
			Help:      "Round key of the lowest scheduled inspection bucket (-1 when empty).",
		}),
		ScheduledBuckets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "scheduled_buckets",
			Help:      "Number of non-empty inspection buckets.",
		}),
		InspectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "inspections_total",
				Help:      "Total number of chunk inspections, broken down by reported status.",
			},
			[]string{"status"},
		),
		PendingDeletions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "pending_registries",
			Help:      "Number of soft-deleted registries waiting to be reaped.",
		}),
		ReaperStepsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "steps_total",
			Help:      "Total number of reaper invocations.",
		}),
		ReapedChunksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "chunks_removed_total",
			Help:      "Total number of chunks removed by the reaper.",
		}),
		ReapedGrantsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "grants_removed_total",
			Help:      "Total number of access grants removed by the reaper.",
		}),
		ReapedRegistriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "registries_removed_total",
			Help:      "Total number of registries fully removed by the reaper.",
		}),
	}
}

// SetPointer updates the pointer gauge. ok=false means the wheel is empty.
func (m *LifecycleMetrics) SetPointer(bucket uint64, ok bool) {
	if !ok {
		m.PointerBucket.Set(-1)
		return
	}
	m.PointerBucket.Set(float64(bucket))
}

// SetScheduledBuckets updates the scheduled bucket count.
func (m *LifecycleMetrics) SetScheduledBuckets(n int) {
	m.ScheduledBuckets.Set(float64(n))
}

// RecordInspection counts a chunk inspection.
func (m *LifecycleMetrics) RecordInspection(status string) {
	m.InspectionsTotal.WithLabelValues(status).Inc()
}

// SetPendingDeletions updates the pending deletion gauge.
func (m *LifecycleMetrics) SetPendingDeletions(n int) {
	m.PendingDeletions.Set(float64(n))
}

// RecordReaperStep records one reaper invocation.
func (m *LifecycleMetrics) RecordReaperStep(chunks, grants int, done bool) {
	m.ReaperStepsTotal.Inc()
	m.ReapedChunksTotal.Add(float64(chunks))
	m.ReapedGrantsTotal.Add(float64(grants))
	if done {
		m.ReapedRegistriesTotal.Inc()
	}
}
