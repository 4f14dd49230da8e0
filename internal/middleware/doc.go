// Package middleware wraps the export API with a W3C access log,
// Prometheus request metrics labelled by mux route template and gzip
// encoding of large JSON responses.
package middleware
