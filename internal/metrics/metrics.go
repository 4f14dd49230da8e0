package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_export_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "render_export_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "render_export_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Export metrics
var (
	ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_export_exports_total",
			Help: "Total number of exports by final status",
		},
		[]string{"status"}, // "success", "failed", "cancelled"
	)

	ExportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "render_export_export_duration_seconds",
			Help:    "Export duration in seconds by mode",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		},
		[]string{"mode"}, // "sequential", "parallel"
	)

	ExportsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "render_export_exports_in_progress",
			Help: "Number of exports currently running",
		},
	)

	ExportsTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "render_export_exports_tracked",
			Help: "Number of exports the service still reports status for, running or finished",
		},
	)

	ExportStageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_export_stage_transitions_total",
			Help: "Total number of export state machine transitions by target state",
		},
		[]string{"state"},
	)

	ExportChunkCount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "render_export_chunks_per_export",
			Help:    "Number of chunks planned per export",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	ExportWorkerCount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "render_export_workers_per_export",
			Help:    "Number of worker processes allocated per export",
			Buckets: []float64{1, 2, 3, 4, 6, 8},
		},
	)
)

// Worker process metrics
var (
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "render_export_workers_active",
			Help: "Number of worker processes currently running",
		},
	)

	WorkerSpawnsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "render_export_worker_spawns_total",
			Help: "Total number of worker processes spawned, including restarts",
		},
	)

	WorkerCrashesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_export_worker_crashes_total",
			Help: "Total number of worker crashes by reason",
		},
		[]string{"reason"}, // "exit", "heartbeat", "stream"
	)

	WorkerRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "render_export_worker_restarts_total",
			Help: "Total number of automatic worker restarts",
		},
	)

	WorkerFatalTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "render_export_worker_fatal_total",
			Help: "Total number of workers that exceeded their restart budget",
		},
	)

	WorkerStartupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "render_export_worker_startup_duration_seconds",
			Help:    "Time from spawn to ready handshake in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	WorkerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "render_export_worker_request_duration_seconds",
			Help:    "Worker request round-trip duration in seconds by method and status",
			Buckets: []float64{0.01, 0.1, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"method", "status"}, // status: "ok", "error", "timeout", "crashed"
	)
)

// Chunk and combine metrics
var (
	ChunksRenderedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_export_chunks_rendered_total",
			Help: "Total number of chunks reported by workers by status",
		},
		[]string{"status"},
	)

	CombineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "render_export_combine_duration_seconds",
			Help:    "Duration of the chunk concatenation step in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	CombineTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_export_combine_total",
			Help: "Total number of combine runs by status",
		},
		[]string{"status"}, // "success", "failed", "passthrough"
	)
)

// History database metrics
var (
	HistoryQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_export_history_queries_total",
			Help: "Total number of export history queries",
		},
		[]string{"operation", "status"},
	)

	HistoryQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "render_export_history_query_duration_seconds",
			Help:    "Duration of export history queries in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	HistoryConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "render_export_history_connections_open",
			Help: "Number of open history database connections",
		},
	)
)

// Filesystem retry metrics (stale NFS handles on shared work and output volumes)
var (
	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_export_filesystem_stale_errors_total",
			Help: "Total number of stale file handle errors",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_export_filesystem_retry_attempts_total",
			Help: "Total number of filesystem operation retries",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_export_filesystem_retry_success_total",
			Help: "Total number of filesystem operations that succeeded after a retry",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_export_filesystem_retry_failures_total",
			Help: "Total number of filesystem operations that failed after all retries",
		},
		[]string{"operation", "volume"},
	)

	FilesystemOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "render_export_filesystem_operation_duration_seconds",
			Help:    "Duration of filesystem operations including retries",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"operation", "volume"},
	)
)

// Machine profile metrics
var (
	MachineCPUCores = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "render_export_machine_cpu_cores",
			Help: "CPU cores seen by the last machine profile",
		},
	)

	MachineMemoryGB = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "render_export_machine_memory_gigabytes",
			Help: "Memory seen by the last machine profile",
		},
		[]string{"kind"}, // "total", "available", "effective"
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "render_export_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, commit, goVersion string) {
	AppInfo.WithLabelValues(version, commit, goVersion).Set(1)
}
