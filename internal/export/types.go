package export

import (
	"errors"
	"fmt"
	"time"

	"render-export/internal/ipc"
	"render-export/internal/machine"
	"render-export/internal/planner"
)

var (
	// ErrNoChunksRendered is returned when a worker reports success
	// without producing any chunk.
	ErrNoChunksRendered = errors.New("no chunks were rendered")
	// ErrCancelled marks an export stopped by Cancel.
	ErrCancelled = errors.New("export cancelled")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid export request")
)

// State is a step of the export state machine.
type State string

const (
	StatePreparing   State = "preparing"
	StatePlanning    State = "planning"
	StateDispatching State = "dispatching"
	StateAggregating State = "aggregating"
	StateCombining   State = "combining"
	StateDone        State = "done"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// transitions lists the legal successors of each state. Failed is
// reachable from every non-terminal state and is not listed.
var transitions = map[State][]State{
	StatePreparing:   {StatePlanning},
	StatePlanning:    {StateDispatching},
	StateDispatching: {StateAggregating, StateCancelled},
	StateAggregating: {StateCombining, StateCancelled},
	StateCombining:   {StateDone},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Request describes one export. It is also the CLI job file format.
type Request struct {
	ID             string                 `json:"id,omitempty" yaml:"id"`
	BundleLocation string                 `json:"bundleLocation" yaml:"bundle_location"`
	Composition    ipc.Composition        `json:"composition" yaml:"composition"`
	InputProps     map[string]interface{} `json:"inputProps,omitempty" yaml:"input_props"`
	// OutputPath is where the final video is written. It may be empty
	// when ReturnBase64 is set.
	OutputPath   string `json:"outputPath,omitempty" yaml:"output_path"`
	Quality      string `json:"quality,omitempty" yaml:"quality"`
	ReturnBase64 bool   `json:"returnBase64,omitempty" yaml:"return_base64"`
}

// Validate checks the request before any work is done.
func (r Request) Validate() error {
	c := r.Composition
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: composition id is required", ErrInvalidRequest)
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrInvalidRequest, c.Width, c.Height)
	case c.FPS <= 0:
		return fmt.Errorf("%w: fps must be positive", ErrInvalidRequest)
	case c.DurationInFrames <= 0:
		return fmt.Errorf("%w: composition has no frames", ErrInvalidRequest)
	case r.OutputPath == "" && !r.ReturnBase64:
		return fmt.Errorf("%w: output path is required unless returnBase64 is set", ErrInvalidRequest)
	}
	return nil
}

// Result is the only success/failure channel back to the caller.
type Result struct {
	Success    bool   `json:"success"`
	FilePath   string `json:"filePath,omitempty"`
	Base64Data string `json:"base64Data,omitempty"`
	FileSize   int64  `json:"fileSize,omitempty"`
	Error      string `json:"error,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty"`
}

// Plan records the decisions made during planning.
type Plan struct {
	Profile           machine.Profile          `json:"profile"`
	EffectiveMemoryGB float64                  `json:"effectiveMemoryGB"`
	Tier              machine.QualityTier      `json:"tier"`
	Settings          machine.Settings         `json:"settings"`
	TotalFrames       int                      `json:"totalFrames"`
	ChunkSize         int                      `json:"chunkSize"`
	Chunks            []planner.ChunkPlanEntry `json:"chunks"`
	Allocation        planner.WorkerAllocation `json:"allocation"`
}

// Mode returns "parallel" or "sequential".
func (p Plan) Mode() string {
	if p.Allocation.UseParallel {
		return "parallel"
	}
	return "sequential"
}

// Summary is what a Recorder stores for a finished export.
type Summary struct {
	ID            string    `json:"id"`
	CompositionID string    `json:"compositionId"`
	State         State     `json:"state"`
	Mode          string    `json:"mode"`
	TotalFrames   int       `json:"totalFrames"`
	ChunkCount    int       `json:"chunkCount"`
	WorkerCount   int       `json:"workerCount"`
	Concurrency   int       `json:"concurrency"`
	OutputPath    string    `json:"outputPath,omitempty"`
	FileSize      int64     `json:"fileSize,omitempty"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
}

// Duration returns the wall time of the export.
func (s Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}
