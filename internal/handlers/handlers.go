package handlers

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"render-export/internal/export"
	"render-export/internal/machine"
)

// ExportService is the part of export.Service the handlers use.
type ExportService interface {
	Start(req export.Request) (string, error)
	Get(id string) (export.Status, error)
	Cancel(id string) error
	List() []export.Status
	Accepting() bool
}

// HistoryStore is the read side of the export ledger.
type HistoryStore interface {
	Get(ctx context.Context, id string) (export.Summary, error)
	List(ctx context.Context, limit int) ([]export.Summary, error)
}

type Handlers struct {
	exports    ExportService
	history    HistoryStore
	profiler   machine.Profiler
	outputRoot string
	startTime  time.Time
}

// New creates the handlers. history may be nil when the ledger is
// disabled. Requested output paths must lie under outputRoot; relative
// ones are resolved against it. An empty outputRoot allows any path.
func New(exports ExportService, history HistoryStore, profiler machine.Profiler, outputRoot string) *Handlers {
	if profiler == nil {
		profiler = machine.NewSystemProfiler()
	}
	if outputRoot != "" {
		outputRoot = filepath.Clean(outputRoot)
	}
	return &Handlers{
		exports:    exports,
		history:    history,
		profiler:   profiler,
		outputRoot: outputRoot,
		startTime:  time.Now(),
	}
}

// RegisterRoutes adds every API and probe route to r.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/livez", h.LivenessCheck).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods(http.MethodGet)
	r.HandleFunc("/version", h.GetVersion).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/machine", h.GetMachine).Methods(http.MethodGet)
	api.HandleFunc("/exports", h.ListExports).Methods(http.MethodGet)
	api.HandleFunc("/exports", h.StartExport).Methods(http.MethodPost)
	api.HandleFunc("/exports/{id}", h.GetExport).Methods(http.MethodGet)
	api.HandleFunc("/exports/{id}", h.CancelExport).Methods(http.MethodDelete)
	api.HandleFunc("/exports/{id}/progress", h.GetExportProgress).Methods(http.MethodGet)
}
