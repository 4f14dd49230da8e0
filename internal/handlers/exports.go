package handlers

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"render-export/internal/export"
	"render-export/internal/history"
	"render-export/internal/logging"
)

const (
	maxRequestBody   = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

// ExportListResponse is returned by GET /api/exports.
type ExportListResponse struct {
	Active  []export.Status  `json:"active"`
	History []export.Summary `json:"history"`
}

var errOutsideOutputRoot = errors.New("output path is outside the output root")

// confineOutputPath resolves p against root and rejects paths that escape
// it. An empty root or an empty path is passed through.
func confineOutputPath(root, p string) (string, error) {
	if root == "" || p == "" {
		return p, nil
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideOutputRoot
	}
	return p, nil
}

// StartExport accepts an export.Request and starts it in the background.
func (h *Handlers) StartExport(w http.ResponseWriter, r *http.Request) {
	var req export.Request
	if err := decodeJSON(w, r, maxRequestBody, &req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	outputPath, err := confineOutputPath(h.outputRoot, req.OutputPath)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.OutputPath = outputPath

	id, err := h.exports.Start(req)
	switch {
	case err == nil:
	case errors.Is(err, export.ErrInvalidRequest):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, export.ErrBusy):
		w.Header().Set("Retry-After", "10")
		writeJSONError(w, err.Error(), http.StatusTooManyRequests)
		return
	case errors.Is(err, export.ErrShuttingDown):
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, export.ErrDuplicateID):
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	default:
		logging.Error("Failed to start export: %v", err)
		writeJSONError(w, "failed to start export", http.StatusInternalServerError)
		return
	}

	logging.Info("Export %s accepted (composition %s)", id, req.Composition.ID)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/api/exports/"+id)
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"id": id, "status": "accepted"})
}

// GetExport returns the live status of an export, or its history record
// once the service has forgotten it.
func (h *Handlers) GetExport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	st, err := h.exports.Get(id)
	if err == nil {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, st)
		return
	}

	if h.history != nil {
		sum, herr := h.history.Get(r.Context(), id)
		if herr == nil {
			w.Header().Set("Content-Type", "application/json")
			writeJSON(w, sum)
			return
		}
		if !errors.Is(herr, history.ErrNotFound) {
			logging.Error("history lookup for %s failed: %v", id, herr)
			writeJSONError(w, "history lookup failed", http.StatusInternalServerError)
			return
		}
	}

	writeJSONError(w, "export not found", http.StatusNotFound)
}

// GetExportProgress returns only the progress of a running export.
func (h *Handlers) GetExportProgress(w http.ResponseWriter, r *http.Request) {
	st, err := h.exports.Get(mux.Vars(r)["id"])
	if err != nil {
		writeJSONError(w, "export not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, st.Progress)
}

// CancelExport requests cancellation. Cancelling a finished export is a
// conflict.
func (h *Handlers) CancelExport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	st, err := h.exports.Get(id)
	if err != nil {
		writeJSONError(w, "export not found", http.StatusNotFound)
		return
	}
	if st.State.Terminal() {
		writeJSONError(w, "export already "+string(st.State), http.StatusConflict)
		return
	}
	if err := h.exports.Cancel(id); err != nil {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}

	logging.Info("Export %s: cancel requested via API", id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "cancelling"})
}

// ListExports returns the exports the service is tracking plus recent
// history.
func (h *Handlers) ListExports(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	resp := ExportListResponse{
		Active:  h.exports.List(),
		History: []export.Summary{},
	}
	if h.history != nil {
		list, err := h.history.List(r.Context(), limit)
		if err != nil {
			logging.Error("history list failed: %v", err)
			writeJSONError(w, "history lookup failed", http.StatusInternalServerError)
			return
		}
		resp.History = list
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp)
}
