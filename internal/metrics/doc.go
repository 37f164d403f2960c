// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for the round engine and its background work:
//   - Rounds executed, round latency and the current round
//   - Operations applied by type and outcome (error class or "ok")
//   - Events emitted, mempool depth and rejected submissions
//   - Inspection pointer, rescheduled chunks and scheduled bucket count
//   - Reaper steps, removed chunks and grants, pending deletions
//   - Maintenance tick outcomes and probe latency
//   - Metadata store and object store operation latency
//
// Metrics are exposed via a dedicated HTTP server on /metrics in Prometheus format.
//
// Usage:
//
//	engineMetrics := metrics.NewEngineMetrics()
//	eng := engine.New(store, engine.Config{Metrics: engineMetrics, ...})
//
//	metricsServer := metrics.NewServer(":9090")
//	metricsServer.Start()
package metrics

// Status label values shared by latency metrics.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

const namespace = "metareg"
