package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"render-export/internal/logging"
)

// LoggingConfig holds configuration for the access log.
type LoggingConfig struct {
	SkipPaths       []string
	LogHealthChecks bool
	// LogProgressPolls controls whether GET .../progress requests are logged.
	// Clients typically poll these every second.
	LogProgressPolls bool
}

// DefaultLoggingConfig keeps probes, scrapes and progress polls out of the log.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		SkipPaths: []string{"/metrics"},
	}
}

var probePaths = map[string]bool{
	"/healthz": true,
	"/livez":   true,
	"/readyz":  true,
}

// Logger writes one W3C extended log line per request:
//
//	#Fields: date time c-ip cs-method cs-uri-stem cs-uri-query sc-status sc-bytes time-taken cs(User-Agent)
func Logger(config LoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.quiet(r) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			logging.Info("%s", accessLine(r, rec.status, rec.bytes, time.Since(start), time.Now().UTC()))
		})
	}
}

func (c LoggingConfig) quiet(r *http.Request) bool {
	path := r.URL.Path
	for _, prefix := range c.SkipPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	switch {
	case probePaths[path]:
		return !c.LogHealthChecks
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/progress"):
		return !c.LogProgressPolls
	}
	return false
}

func accessLine(r *http.Request, status int, size int64, took time.Duration, now time.Time) string {
	fields := []string{
		now.Format("2006-01-02"),
		now.Format("15:04:05"),
		w3cField(clientIP(r)),
		w3cField(r.Method),
		w3cField(r.URL.Path),
		w3cField(r.URL.RawQuery),
		strconv.Itoa(status),
		strconv.FormatInt(size, 10),
		strconv.FormatInt(took.Milliseconds(), 10),
		w3cField(r.UserAgent()),
	}
	return strings.Join(fields, " ")
}

// w3cField strips control characters, writes "-" for empty values and
// quotes values containing blanks or quotes.
func w3cField(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r':
			return ' '
		case r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s)

	if s == "" {
		return "-"
	}
	if strings.ContainsAny(s, " \t\"") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then
// the connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
