// Package metrics provides Prometheus instrumentation for the render export
// service.
//
// All metrics are registered through promauto at package initialization and
// are prefixed with "render_export_" to avoid naming collisions.
//
// # Metric Categories
//
// ## HTTP Metrics
//
// Track API request performance:
//   - HTTPRequestsTotal: Counter of requests by method, path, and status
//   - HTTPRequestDuration: Histogram of request duration by method and path
//   - HTTPRequestsInFlight: Gauge of currently processing requests
//
// ## Export Metrics
//
// Track the orchestrator:
//   - ExportsTotal: Counter of finished exports by status
//   - ExportDuration: Histogram of export wall time by mode
//   - ExportsInProgress, ExportsTracked: Gauges refreshed by the Collector
//   - ExportStageTransitions: Counter of state machine transitions
//   - ExportChunkCount, ExportWorkerCount: Histograms of plan shape
//
// ## Worker Metrics
//
// Recorded through the supervisor.Observer returned by NewWorkerObserver:
//   - WorkersActive, WorkerSpawnsTotal, WorkerRestartsTotal, WorkerFatalTotal
//   - WorkerCrashesTotal by reason (exit, heartbeat, stream)
//   - WorkerStartupDuration and WorkerRequestDuration
//
// ## Chunk and Machine Metrics
//
//   - ChunksRenderedTotal, CombineDuration, CombineTotal
//   - MachineCPUCores and MachineMemoryGB, set on every machine profile
//
// # Usage
//
// Call InitializeMetrics once at startup so every label combination is
// present on the first scrape, then expose promhttp.Handler() on /metrics.
package metrics
