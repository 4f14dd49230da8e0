// Package main is the render export service.
//
// The service accepts export requests over HTTP, splits each composition
// into frame-range chunks sized to the machine, renders the chunks on a
// pool of supervised worker processes and concatenates them into the
// final video.
//
// # Application Lifecycle
//
//  1. Environment: .env is loaded with godotenv, logging is set up
//  2. Memory: GOMEMLIMIT is set from the container limit, which also caps
//     the memory planning offers to renderers
//  3. Configuration: environment variables are read and the work
//     directory is validated
//  4. History: the SQLite export ledger is opened (optional)
//  5. HTTP: API routes on PORT, Prometheus metrics on METRICS_PORT
//  6. Graceful Shutdown: on SIGINT/SIGTERM the HTTP server stops, running
//     exports are cancelled and their workers stopped, then the ledger is
//     closed
//
// # Background Services
//
//   - Metrics Collector: Updates export gauges every minute
//   - History Pruning: Removes ledger entries older than 30 days, daily
//
// See package startup for the environment variables.
package main
