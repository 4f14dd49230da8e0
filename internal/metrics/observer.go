package metrics

import (
	"time"

	"render-export/internal/filesystem"
	"render-export/internal/supervisor"
)

// workerObserver implements supervisor.Observer using the Prometheus
// metrics declared in this package.
type workerObserver struct{}

// NewWorkerObserver creates an observer that records worker lifecycle
// metrics into the Prometheus counters and histograms declared in metrics.go.
func NewWorkerObserver() supervisor.Observer {
	return &workerObserver{}
}

func (o *workerObserver) ObserveSpawn(_ string) {
	WorkerSpawnsTotal.Inc()
	WorkersActive.Inc()
}

func (o *workerObserver) ObserveReady(_ string, startup time.Duration) {
	WorkerStartupDuration.Observe(startup.Seconds())
}

func (o *workerObserver) ObserveExit(_ string) {
	WorkersActive.Dec()
}

func (o *workerObserver) ObserveCrash(_ string, reason string) {
	WorkerCrashesTotal.WithLabelValues(reason).Inc()
}

func (o *workerObserver) ObserveRestart(_ string, _ int) {
	WorkerRestartsTotal.Inc()
}

func (o *workerObserver) ObserveFatal(_ string) {
	WorkerFatalTotal.Inc()
}

func (o *workerObserver) ObserveRequest(method, status string, duration time.Duration) {
	WorkerRequestDuration.WithLabelValues(method, status).Observe(duration.Seconds())
}

// fsObserver implements filesystem.Observer.
type fsObserver struct{}

// NewFilesystemObserver creates an observer for the filesystem retry
// helpers.
func NewFilesystemObserver() filesystem.Observer {
	return fsObserver{}
}

func (fsObserver) ObserveOperation(op, volume string, seconds float64, _ error) {
	FilesystemOperationDuration.WithLabelValues(op, volume).Observe(seconds)
}

func (fsObserver) ObserveStaleError(op, volume string) {
	FilesystemStaleErrors.WithLabelValues(op, volume).Inc()
}

func (fsObserver) ObserveRetryAttempt(op, volume string) {
	FilesystemRetryAttempts.WithLabelValues(op, volume).Inc()
}

func (fsObserver) ObserveRetrySuccess(op, volume string) {
	FilesystemRetrySuccess.WithLabelValues(op, volume).Inc()
}

func (fsObserver) ObserveRetryFailure(op, volume string) {
	FilesystemRetryFailures.WithLabelValues(op, volume).Inc()
}
