package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"render-export/internal/metrics"
)

func TestStatusRecorder(t *testing.T) {
	w := httptest.NewRecorder()
	rec := newStatusRecorder(w)

	if rec.status != http.StatusOK || rec.bytes != 0 || rec.wroteHeader {
		t.Fatalf("new recorder = %+v, want 200 with nothing written", rec)
	}

	rec.WriteHeader(http.StatusNotFound)
	rec.WriteHeader(http.StatusInternalServerError)
	if rec.status != http.StatusNotFound || w.Code != http.StatusNotFound {
		t.Errorf("status = %d (underlying %d), want the first WriteHeader to win", rec.status, w.Code)
	}

	n, err := rec.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != 5 || rec.bytes != 5 {
		t.Errorf("wrote n=%d bytes=%d, want 5", n, rec.bytes)
	}

	if again := newStatusRecorder(rec); again != rec {
		t.Error("wrapping a recorder twice should reuse it")
	}
	if rec.Unwrap() != w {
		t.Error("Unwrap should return the underlying writer")
	}
}

func TestStatusRecorderWriteWithoutHeader(t *testing.T) {
	rec := newStatusRecorder(httptest.NewRecorder())
	if _, err := rec.Write([]byte("{}")); err != nil {
		t.Fatal(err)
	}
	rec.WriteHeader(http.StatusTeapot)
	if rec.status != http.StatusOK {
		t.Errorf("status = %d, want implicit 200 to stick", rec.status)
	}
}

func TestW3CField(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "/api/exports", "/api/exports"},
		{"empty", "", "-"},
		{"newline", "a\nb", `"a b"`},
		{"carriage return", "a\rb", `"a b"`},
		{"null byte", "a\x00b", "ab"},
		{"ansi escape", "\x1b[31mred", "[31mred"},
		{"delete", "a\x7fb", "ab"},
		{"tab kept and quoted", "a\tb", "\"a\tb\""},
		{"quotes doubled", `say "hi"`, `"say ""hi"""`},
		{"only control characters", "\x00\x01", "-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w3cField(tt.input); got != tt.want {
				t.Errorf("w3cField(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoggingConfigQuiet(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		config LoggingConfig
		want   bool
	}{
		{"submit logged", http.MethodPost, "/api/exports", DefaultLoggingConfig(), false},
		{"cancel logged", http.MethodDelete, "/api/exports/abc", DefaultLoggingConfig(), false},
		{"metrics skipped", http.MethodGet, "/metrics", DefaultLoggingConfig(), true},
		{"probe skipped by default", http.MethodGet, "/healthz", DefaultLoggingConfig(), true},
		{"probe logged when enabled", http.MethodGet, "/readyz", LoggingConfig{LogHealthChecks: true}, false},
		{"progress poll skipped", http.MethodGet, "/api/exports/abc/progress", DefaultLoggingConfig(), true},
		{"progress poll logged when enabled", http.MethodGet, "/api/exports/abc/progress", LoggingConfig{LogProgressPolls: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			if got := tt.config.quiet(req); got != tt.want {
				t.Errorf("quiet(%s %s) = %v, want %v", tt.method, tt.path, got, tt.want)
			}
		})
	}
}

func TestAccessLine(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/exports?async=1", http.NoBody)
	req.RemoteAddr = "10.0.0.5:41234"
	req.Header.Set("User-Agent", "curl 8.0")

	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	line := accessLine(req, http.StatusAccepted, 2, 12*time.Millisecond, now)

	want := `2026-03-04 05:06:07 10.0.0.5 POST /api/exports async=1 202 2 12 "curl 8.0"`
	if line != want {
		t.Errorf("accessLine() = %q, want %q", line, want)
	}

	bare := httptest.NewRequest(http.MethodGet, "/version", http.NoBody)
	bare.RemoteAddr = "[::1]:8080"
	bare.Header.Del("User-Agent")
	want = `2026-03-04 05:06:07 ::1 GET /version - 200 0 0 -`
	if line := accessLine(bare, http.StatusOK, 0, 0, now); line != want {
		t.Errorf("accessLine() = %q, want %q", line, want)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded for list", map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8"}, "9.9.9.9:1", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-IP": " 4.3.2.1 "}, "9.9.9.9:1", "4.3.2.1"},
		{"remote addr", nil, "9.9.9.9:1234", "9.9.9.9"},
		{"ipv6 remote addr", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"remote addr without port", nil, "unix", "unix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoggerPassesThrough(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	})

	for _, path := range []string{"/api/exports", "/healthz"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			Logger(DefaultLoggingConfig())(handler).ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, http.NoBody))

			if w.Code != http.StatusCreated {
				t.Errorf("status = %d, want 201", w.Code)
			}
			if strings.TrimSpace(w.Body.String()) != "ok" {
				t.Errorf("body = %q, want ok", w.Body.String())
			}
		})
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func newMetricsRouter(status int) *mux.Router {
	r := mux.NewRouter()
	h := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(status) }
	r.HandleFunc("/api/exports/{id}/progress", h)
	r.HandleFunc("/healthz", h)
	r.Use(Metrics(DefaultMetricsConfig()))
	return r
}

func TestMetricsLabelsByRouteTemplate(t *testing.T) {
	r := newMetricsRouter(http.StatusOK)
	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/exports/{id}/progress", "200")
	before := counterValue(t, counter)

	for _, id := range []string{"a", "b", "c"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/exports/"+id+"/progress", http.NoBody))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
	}

	if got := counterValue(t, counter) - before; got != 3 {
		t.Errorf("progress requests counted = %v, want 3 under one label", got)
	}
}

func TestMetricsStatusCodes(t *testing.T) {
	tests := []int{
		http.StatusAccepted,
		http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
	}

	for _, status := range tests {
		t.Run(http.StatusText(status), func(t *testing.T) {
			counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/exports/{id}/progress", strconv.Itoa(status))
			before := counterValue(t, counter)

			w := httptest.NewRecorder()
			newMetricsRouter(status).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/exports/x/progress", http.NoBody))
			if w.Code != status {
				t.Errorf("status = %d, want %d", w.Code, status)
			}
			if got := counterValue(t, counter) - before; got != 1 {
				t.Errorf("counted %v requests with status %d, want 1", got, status)
			}
		})
	}
}

func TestMetricsSkipsProbes(t *testing.T) {
	r := newMetricsRouter(http.StatusOK)
	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/healthz", "200")
	before := counterValue(t, counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := counterValue(t, counter) - before; got != 0 {
		t.Errorf("probe counted %v times, want 0", got)
	}
}

func TestRouteTemplateUnmatched(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/nowhere", http.NoBody)
	if got := routeTemplate(req); got != "unmatched" {
		t.Errorf("routeTemplate() = %q, want unmatched", got)
	}
}
