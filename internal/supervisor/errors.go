package supervisor

import "errors"

var (
	// ErrWorkerCrashed rejects requests that were in flight when the worker
	// process exited unexpectedly or stopped answering heartbeats.
	ErrWorkerCrashed = errors.New("worker crashed")
	// ErrRequestTimeout is returned when no response arrives within the
	// request timeout.
	ErrRequestTimeout = errors.New("worker request timed out")
	// ErrWorkerShutdown rejects requests pending when the worker was shut down.
	ErrWorkerShutdown = errors.New("worker shut down")
	// ErrWorkerUnavailable is returned for requests to a worker that is not
	// running, is restarting, or has exceeded its restart budget.
	ErrWorkerUnavailable = errors.New("worker unavailable")
	// ErrStartupTimeout is returned by Start when the worker does not
	// report ready in time.
	ErrStartupTimeout = errors.New("worker startup timed out")
)
