package metrics

// InitializeMetrics pre-populates all expected label combinations so that
// every metric is exported from the first Prometheus scrape.
// Call this once at startup after metric registration.
func InitializeMetrics() {
	for _, status := range []string{"success", "failed", "cancelled"} {
		ExportsTotal.WithLabelValues(status)
	}

	for _, mode := range []string{"sequential", "parallel"} {
		ExportDuration.WithLabelValues(mode)
	}

	for _, state := range []string{"preparing", "planning", "dispatching", "aggregating", "combining", "done", "failed", "cancelled"} {
		ExportStageTransitions.WithLabelValues(state)
	}

	for _, reason := range []string{"exit", "heartbeat", "stream"} {
		WorkerCrashesTotal.WithLabelValues(reason)
	}

	for _, status := range []string{"ok", "error", "timeout", "crashed", "cancelled"} {
		WorkerRequestDuration.WithLabelValues("export", status)
	}

	for _, status := range []string{"success", "failed"} {
		ChunksRenderedTotal.WithLabelValues(status)
	}

	for _, status := range []string{"success", "failed", "passthrough"} {
		CombineTotal.WithLabelValues(status)
	}

	for _, op := range []string{"record", "get", "list", "prune"} {
		for _, status := range []string{"success", "error"} {
			HistoryQueryTotal.WithLabelValues(op, status)
		}
		HistoryQueryDuration.WithLabelValues(op)
	}

	for _, op := range []string{"stat", "open", "rename"} {
		for _, volume := range []string{"work", "output", "unknown"} {
			FilesystemStaleErrors.WithLabelValues(op, volume)
			FilesystemRetryFailures.WithLabelValues(op, volume)
			FilesystemOperationDuration.WithLabelValues(op, volume)
		}
	}

	for _, kind := range []string{"total", "available", "effective"} {
		MachineMemoryGB.WithLabelValues(kind)
	}
}
