package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"render-export/internal/export"
	"render-export/internal/history"
	"render-export/internal/machine"
	"render-export/internal/progress"
)

type fakeService struct {
	mu        sync.Mutex
	startErr  error
	started   []export.Request
	statuses  map[string]export.Status
	cancelled []string
	closed    bool
}

func newFakeService(statuses ...export.Status) *fakeService {
	s := &fakeService{statuses: make(map[string]export.Status)}
	for _, st := range statuses {
		s.statuses[st.ID] = st
	}
	return s
}

func (s *fakeService) Start(req export.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return "", s.startErr
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	s.started = append(s.started, req)
	id := req.ID
	if id == "" {
		id = fmt.Sprintf("export-%d", len(s.started))
	}
	return id, nil
}

func (s *fakeService) Get(id string) (export.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[id]
	if !ok {
		return export.Status{}, export.ErrNotFound
	}
	return st, nil
}

func (s *fakeService) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.statuses[id]; !ok {
		return export.ErrNotFound
	}
	s.cancelled = append(s.cancelled, id)
	return nil
}

func (s *fakeService) List() []export.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]export.Status, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st)
	}
	return out
}

func (s *fakeService) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

type fakeHistory struct {
	summaries map[string]export.Summary
	err       error
	lastLimit int
}

func (h *fakeHistory) Get(_ context.Context, id string) (export.Summary, error) {
	if h.err != nil {
		return export.Summary{}, h.err
	}
	sum, ok := h.summaries[id]
	if !ok {
		return export.Summary{}, history.ErrNotFound
	}
	return sum, nil
}

func (h *fakeHistory) List(_ context.Context, limit int) ([]export.Summary, error) {
	h.lastLimit = limit
	if h.err != nil {
		return nil, h.err
	}
	out := make([]export.Summary, 0, len(h.summaries))
	for _, sum := range h.summaries {
		out = append(out, sum)
	}
	return out, nil
}

var testProfile = machine.Profile{CPUCores: 8, TotalMemoryGB: 16, AvailableMemoryGB: 6, ReclaimableMemoryGB: 2}

func newTestRouter(svc ExportService, hist HistoryStore) *mux.Router {
	h := New(svc, hist, machine.StaticProfiler{Value: testProfile}, "/exports")
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func serve(t *testing.T, r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

const validBody = `{
	"id": "promo",
	"bundleLocation": "/srv/bundle",
	"composition": {"id": "Main", "width": 1920, "height": 1080, "fps": 30, "durationInFrames": 900},
	"outputPath": "/exports/promo.mp4"
}`

func TestStartExport(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		startErr   error
		wantStatus int
	}{
		{"accepted", validBody, nil, http.StatusAccepted},
		{"malformed json", `{"composition":`, nil, http.StatusBadRequest},
		{"invalid request", `{"composition": {"id": "Main"}}`, nil, http.StatusBadRequest},
		{"unknown field", `{"composition": {"id": "Main"}, "priority": 5}`, nil, http.StatusBadRequest},
		{"trailing data", validBody + `{}`, nil, http.StatusBadRequest},
		{"busy", validBody, export.ErrBusy, http.StatusTooManyRequests},
		{"shutting down", validBody, export.ErrShuttingDown, http.StatusServiceUnavailable},
		{"duplicate id", validBody, fmt.Errorf("%w: promo", export.ErrDuplicateID), http.StatusConflict},
		{"unexpected error", validBody, errors.New("disk full"), http.StatusInternalServerError},
		{"output outside root", strings.Replace(validBody, "/exports/promo.mp4", "/etc/cron.d/promo", 1), nil, http.StatusBadRequest},
		{"output escapes root", strings.Replace(validBody, "/exports/promo.mp4", "../promo.mp4", 1), nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.startErr = tt.startErr
			rr := serve(t, newTestRouter(svc, nil), http.MethodPost, "/api/exports", tt.body)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}

			var resp map[string]string
			decode(t, rr, &resp)

			switch tt.wantStatus {
			case http.StatusAccepted:
				if resp["id"] != "promo" || resp["status"] != "accepted" {
					t.Errorf("response = %v", resp)
				}
				if loc := rr.Header().Get("Location"); loc != "/api/exports/promo" {
					t.Errorf("Location = %q", loc)
				}
				if len(svc.started) != 1 || svc.started[0].Composition.DurationInFrames != 900 {
					t.Errorf("started = %+v", svc.started)
				}
			case http.StatusTooManyRequests:
				if rr.Header().Get("Retry-After") == "" {
					t.Error("Retry-After header missing")
				}
				fallthrough
			default:
				if resp["error"] == "" {
					t.Errorf("error message missing: %v", resp)
				}
			}
		})
	}
}

func TestConfineOutputPath(t *testing.T) {
	tests := []struct {
		name    string
		root    string
		path    string
		want    string
		wantErr bool
	}{
		{"inside root", "/exports", "/exports/a/promo.mp4", "/exports/a/promo.mp4", false},
		{"relative joined to root", "/exports", "a/promo.mp4", "/exports/a/promo.mp4", false},
		{"dot-dot file name", "/exports", "/exports/..promo.mp4", "/exports/..promo.mp4", false},
		{"cleaned inside root", "/exports", "/exports/a/../promo.mp4", "/exports/promo.mp4", false},
		{"sibling directory", "/exports", "/exports-old/promo.mp4", "", true},
		{"absolute outside", "/exports", "/etc/passwd", "", true},
		{"relative escape", "/exports", "../../etc/passwd", "", true},
		{"root itself", "/exports", "/exports", "", true},
		{"no path", "/exports", "", "", false},
		{"no root", "", "/anywhere/promo.mp4", "/anywhere/promo.mp4", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := confineOutputPath(tt.root, tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("confineOutputPath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("confineOutputPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStartExportResolvesRelativeOutput(t *testing.T) {
	svc := newFakeService()
	body := strings.Replace(validBody, "/exports/promo.mp4", "campaign/promo.mp4", 1)
	rr := serve(t, newTestRouter(svc, nil), http.MethodPost, "/api/exports", body)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, http.StatusAccepted, rr.Body.String())
	}
	if len(svc.started) != 1 || svc.started[0].OutputPath != "/exports/campaign/promo.mp4" {
		t.Errorf("started = %+v, want output under the root", svc.started)
	}
}

func TestStartExportBodyTooLarge(t *testing.T) {
	body := `{"id":"` + strings.Repeat("x", maxRequestBody) + `"}`
	rr := serve(t, newTestRouter(newFakeService(), nil), http.MethodPost, "/api/exports", body)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rr.Body.String(), "body exceeds") {
		t.Errorf("body = %s, want size error", rr.Body.String())
	}
}

func TestGetExport(t *testing.T) {
	running := export.Status{
		ID:       "live",
		State:    export.StateDispatching,
		Progress: progress.Update{Percent: 42, Stage: "rendering"},
	}
	hist := &fakeHistory{summaries: map[string]export.Summary{
		"old": {ID: "old", CompositionID: "Main", State: export.StateDone, ChunkCount: 3},
	}}

	t.Run("live status", func(t *testing.T) {
		rr := serve(t, newTestRouter(newFakeService(running), hist), http.MethodGet, "/api/exports/live", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		var st export.Status
		decode(t, rr, &st)
		if st.ID != "live" || st.State != export.StateDispatching || st.Progress.Percent != 42 {
			t.Errorf("status = %+v", st)
		}
	})

	t.Run("history fallback", func(t *testing.T) {
		rr := serve(t, newTestRouter(newFakeService(running), hist), http.MethodGet, "/api/exports/old", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		var sum export.Summary
		decode(t, rr, &sum)
		if sum.ID != "old" || sum.State != export.StateDone || sum.ChunkCount != 3 {
			t.Errorf("summary = %+v", sum)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rr := serve(t, newTestRouter(newFakeService(running), hist), http.MethodGet, "/api/exports/nope", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
	})

	t.Run("not found without history", func(t *testing.T) {
		rr := serve(t, newTestRouter(newFakeService(running), nil), http.MethodGet, "/api/exports/old", "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
	})

	t.Run("history error", func(t *testing.T) {
		broken := &fakeHistory{err: errors.New("disk I/O error")}
		rr := serve(t, newTestRouter(newFakeService(), broken), http.MethodGet, "/api/exports/old", "")
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rr.Code)
		}
	})
}

func TestGetExportProgress(t *testing.T) {
	svc := newFakeService(export.Status{
		ID:       "live",
		State:    export.StateAggregating,
		Progress: progress.Update{Percent: 91.5, Stage: "aggregating", Message: "collecting chunks"},
	})
	r := newTestRouter(svc, nil)

	rr := serve(t, r, http.MethodGet, "/api/exports/live/progress", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}
	var u progress.Update
	decode(t, rr, &u)
	if u.Percent != 91.5 || u.Stage != "aggregating" || u.Message != "collecting chunks" {
		t.Errorf("progress = %+v", u)
	}

	if rr := serve(t, r, http.MethodGet, "/api/exports/nope/progress", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown export status = %d, want 404", rr.Code)
	}
}

func TestCancelExport(t *testing.T) {
	svc := newFakeService(
		export.Status{ID: "live", State: export.StateDispatching},
		export.Status{ID: "finished", State: export.StateDone},
	)
	r := newTestRouter(svc, nil)

	tests := []struct {
		name       string
		id         string
		wantStatus int
	}{
		{"running", "live", http.StatusAccepted},
		{"terminal", "finished", http.StatusConflict},
		{"unknown", "nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(t, r, http.MethodDelete, "/api/exports/"+tt.id, "")
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}

	if len(svc.cancelled) != 1 || svc.cancelled[0] != "live" {
		t.Errorf("cancelled = %v, want [live]", svc.cancelled)
	}
}

func TestListExports(t *testing.T) {
	svc := newFakeService(export.Status{ID: "live", State: export.StateDispatching, StartedAt: time.Now()})
	hist := &fakeHistory{summaries: map[string]export.Summary{
		"old": {ID: "old", State: export.StateDone},
	}}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLimit  int
	}{
		{"default limit", "", http.StatusOK, defaultListLimit},
		{"explicit limit", "?limit=5", http.StatusOK, 5},
		{"clamped limit", "?limit=100000", http.StatusOK, maxListLimit},
		{"zero limit", "?limit=0", http.StatusBadRequest, 0},
		{"invalid limit", "?limit=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hist.lastLimit = 0
			rr := serve(t, newTestRouter(svc, hist), http.MethodGet, "/api/exports"+tt.query, "")
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if hist.lastLimit != tt.wantLimit {
				t.Errorf("history limit = %d, want %d", hist.lastLimit, tt.wantLimit)
			}
			var resp ExportListResponse
			decode(t, rr, &resp)
			if len(resp.Active) != 1 || resp.Active[0].ID != "live" {
				t.Errorf("active = %+v", resp.Active)
			}
			if len(resp.History) != 1 || resp.History[0].ID != "old" {
				t.Errorf("history = %+v", resp.History)
			}
		})
	}

	t.Run("history disabled", func(t *testing.T) {
		rr := serve(t, newTestRouter(svc, nil), http.MethodGet, "/api/exports", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		// History must encode as [] rather than null.
		if !strings.Contains(rr.Body.String(), `"history":[]`) {
			t.Errorf("body = %s", rr.Body.String())
		}
	})

	t.Run("history error", func(t *testing.T) {
		broken := &fakeHistory{err: errors.New("database is locked")}
		rr := serve(t, newTestRouter(svc, broken), http.MethodGet, "/api/exports", "")
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rr.Code)
		}
	})
}

func TestGetMachine(t *testing.T) {
	rr := serve(t, newTestRouter(newFakeService(), nil), http.MethodGet, "/api/machine", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp MachineResponse
	decode(t, rr, &resp)
	if resp.Profile != testProfile {
		t.Errorf("profile = %+v, want %+v", resp.Profile, testProfile)
	}
	if want := machine.EffectiveMemoryGB(testProfile); resp.EffectiveMemoryGB != want {
		t.Errorf("effective memory = %v, want %v", resp.EffectiveMemoryGB, want)
	}
}

func TestHealthCheck(t *testing.T) {
	svc := newFakeService(
		export.Status{ID: "a", State: export.StateDispatching},
		export.Status{ID: "b", State: export.StateDone},
	)

	rr := serve(t, newTestRouter(svc, &fakeHistory{}), http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp HealthResponse
	decode(t, rr, &resp)
	if resp.Status != statusHealthy || !resp.Ready || resp.ActiveExports != 1 || !resp.HistoryEnabled {
		t.Errorf("health = %+v", resp)
	}
	if resp.NumCPU <= 0 || resp.GoVersion == "" {
		t.Errorf("system info missing: %+v", resp)
	}

	svc.closed = true
	rr = serve(t, newTestRouter(svc, nil), http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("stopping status = %d, want 503", rr.Code)
	}
	decode(t, rr, &resp)
	if resp.Status != statusStopping || resp.Ready || resp.HistoryEnabled {
		t.Errorf("stopping health = %+v", resp)
	}
}

func TestProbes(t *testing.T) {
	svc := newFakeService()
	r := newTestRouter(svc, nil)

	tests := []struct {
		name       string
		method     string
		path       string
		closed     bool
		wantStatus int
		wantBody   bool
	}{
		{"liveness", http.MethodGet, "/livez", false, http.StatusOK, true},
		{"liveness head", http.MethodHead, "/livez", false, http.StatusOK, false},
		{"liveness while stopping", http.MethodGet, "/livez", true, http.StatusOK, true},
		{"readiness", http.MethodGet, "/readyz", false, http.StatusOK, true},
		{"readiness while stopping", http.MethodGet, "/readyz", true, http.StatusServiceUnavailable, true},
		{"wrong method", http.MethodPost, "/readyz", false, http.StatusMethodNotAllowed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc.mu.Lock()
			svc.closed = tt.closed
			svc.mu.Unlock()

			rr := serve(t, r, tt.method, tt.path, "")
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if hasBody := rr.Body.Len() > 0; tt.wantBody != hasBody && tt.wantStatus != http.StatusMethodNotAllowed {
				t.Errorf("body present = %v, want %v", hasBody, tt.wantBody)
			}
		})
	}
}

func TestGetVersion(t *testing.T) {
	rr := serve(t, newTestRouter(newFakeService(), nil), http.MethodGet, "/version", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var info map[string]string
	decode(t, rr, &info)
	for _, key := range []string{"version", "commit", "buildTime", "goVersion", "os", "arch"} {
		if _, ok := info[key]; !ok {
			t.Errorf("version response missing %q: %v", key, info)
		}
	}
}

func TestWriteJSONError(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONError(rr, "boom", http.StatusTeapot)

	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusTeapot)
	}
	var resp map[string]string
	decode(t, rr, &resp)
	if resp["error"] != "boom" {
		t.Errorf("error = %q, want boom", resp["error"])
	}
}

func TestWriteJSONUnencodable(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, map[string]interface{}{"bad": make(chan int)})
	if rr.Body.Len() != 0 {
		t.Errorf("body = %q, want empty on encode failure", rr.Body.String())
	}
}
