// Package handlers provides the HTTP API of the export service.
//
// It includes handlers for:
//   - Starting, polling and cancelling exports
//   - Export history from the SQLite ledger
//   - The machine profile used for planning
//   - Health, readiness and version probes
//
// Routes are registered with [Handlers.RegisterRoutes] on a gorilla/mux
// router.
package handlers
