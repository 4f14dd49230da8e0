// Package history keeps a SQLite ledger of finished exports.
//
// Each export is stored once it reaches a terminal state, with its plan
// summary (mode, chunk and worker counts), outcome and timings. The
// database uses WAL mode so the export service and the CLI can share one
// file.
package history
