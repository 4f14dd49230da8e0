// Package logging provides a simple leveled logging interface for the
// render export service and its worker processes.
//
// It supports the following log levels:
//   - DEBUG: Verbose debugging information
//   - INFO: General operational messages
//   - WARN: Warning conditions
//   - ERROR: Error conditions
//   - FATAL: Fatal errors that terminate the application
//
// The log level is configured via the LOG_LEVEL environment variable.
// Setting LOG_FILE additionally writes to a size-rotated file.
//
// Worker processes log to stderr; the host reads that stream back through
// a [LineWriter] so that worker output ends up in the host log with the
// worker name attached.
package logging
