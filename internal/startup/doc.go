// Package startup handles application initialization, configuration loading,
// and startup/shutdown logging.
//
// # Configuration
//
// All configuration is loaded from environment variables via [LoadConfig].
// The following environment variables are supported:
//
//   - WORK_DIR: Scratch directory for per-export chunk files (default: $TMPDIR/render-export)
//   - PORT: HTTP server port (default: 8080)
//   - METRICS_PORT: Prometheus metrics server port (default: 9090)
//   - METRICS_ENABLED: Enable or disable metrics server (default: true)
//   - HISTORY_DB: SQLite history file, relative to WORK_DIR unless absolute; set empty to disable (default: history.db)
//   - WORKER_BINARY: Render worker executable (default: render-worker)
//   - WORKER_IN_PROCESS: Run workers as goroutines instead of subprocesses (default: false)
//   - RENDERER_COMMAND: External renderer passed to workers (default: built-in test pattern)
//   - MUX_TOOL: Concatenation tool (default: ffmpeg)
//   - HEARTBEAT_INTERVAL, STARTUP_TIMEOUT, SHUTDOWN_GRACE: Worker timings as Go durations
//   - MAX_RESTARTS: Restarts allowed per worker before it is fatal (default: 2)
//   - STALL_TIMEOUT: Worker stall detection, 0 disables (default: 0)
//   - CANCEL_GRACE: Time workers get to stop cooperatively before being killed (default: 5s)
//   - POLICY_FILE: YAML planner policy override
//   - QUALITY_TIER: Default quality tier, low/medium/high (default: medium)
//   - MAX_CONCURRENT_EXPORTS: Exports the service runs at once (default: 1)
//   - EXPORT_RETENTION: How long finished exports stay queryable in memory (default: 1h)
//   - LOG_LEVEL: Logging level - debug, info, warn, error (default: info)
//   - LOG_HEALTH_CHECKS: Log health check requests (default: true)
//   - LOG_PROGRESS_POLLS: Log progress poll requests (default: false)
//
// # Build Information
//
// Build-time variables are injected via ldflags and exposed via [GetBuildInfo].
//
// # Lifecycle Logging
//
//   - [LogHistoryInit]: History database initialization
//   - [LogMuxToolInit]: Concat tool availability
//   - [LogWorkerInit]: Worker launch mode
//   - [LogHTTPRoutes]: Registered HTTP routes (debug level)
//   - [LogServerStarted]: Server endpoints and startup duration
//   - [LogShutdownInitiated], [LogShutdownStep], [LogShutdownComplete]: Graceful shutdown
package startup
