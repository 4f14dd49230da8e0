// Package supervisor runs render workers as child processes and keeps
// them healthy.
//
// A [Worker] owns one process at a time. It performs the init/ready
// handshake, correlates requests with responses, pings the worker on a
// fixed interval and treats silence for more than two intervals as a
// crash. Crashed workers are respawned up to Options.MaxRestarts times;
// after that the worker is fatal and rejects all further requests.
// In-flight requests are never replayed: a crash rejects them with
// [ErrWorkerCrashed] and the caller decides whether to retry.
//
// A [Pool] tracks named workers for one export so they can be created
// on demand and torn down together.
package supervisor
