// Package export drives a render export from request to finished file.
//
// An Orchestrator owns one export. It profiles the machine, plans chunks
// and workers, dispatches chunk groups to a supervisor.Pool, aggregates
// the results and hands the chunk files to the combiner:
//
//	preparing -> planning -> dispatching -> aggregating -> combining -> done
//
// Any state can end in failed. Dispatching and aggregating can end in
// cancelled. Cancellation is two-phase: workers are first asked to stop,
// and are killed if they have not returned within the grace period.
//
// Service runs orchestrators in the background for the HTTP API.
package export
