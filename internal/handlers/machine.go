package handlers

import (
	"net/http"

	"render-export/internal/machine"
)

// MachineResponse is returned by GET /api/machine.
type MachineResponse struct {
	Profile           machine.Profile `json:"profile"`
	EffectiveMemoryGB float64         `json:"effectiveMemoryGB"`
}

// GetMachine reports the profile planning would see right now.
func (h *Handlers) GetMachine(w http.ResponseWriter, _ *http.Request) {
	p := h.profiler.Profile()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, MachineResponse{
		Profile:           p,
		EffectiveMemoryGB: machine.EffectiveMemoryGB(p),
	})
}
