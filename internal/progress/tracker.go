// Package progress aggregates worker progress reports into a single
// monotonic percentage for one export.
//
// The caller-visible scale reserves 0-10% for setup, 10-90% for rendering
// and 90-100% for combining and finalizing.
package progress

import (
	"sync"

	"render-export/internal/ipc"
	"render-export/internal/logging"
)

// Scale boundaries in percent.
const (
	SetupEnd  = 10.0
	RenderEnd = 90.0
	Complete  = 100.0
)

// Update is what callers of an export see.
type Update struct {
	Percent float64 `json:"percent"`
	Stage   string  `json:"stage"`
	Message string  `json:"message,omitempty"`
}

// Source is anything that delivers worker messages, typically a
// *supervisor.Worker.
type Source interface {
	Subscribe(fn func(ipc.Notify)) (unsubscribe func())
}

type chunkState struct {
	rendered int
	total    int
}

// Tracker is safe for concurrent use by several workers' read loops.
// onUpdate is called with the tracker lock held and must not call back
// into the tracker.
type Tracker struct {
	totalFrames int
	onUpdate    func(Update)

	mu      sync.Mutex
	chunks  map[int]chunkState
	last    float64
	stage   string
	message string
}

// NewTracker creates a tracker for an export of totalFrames frames.
func NewTracker(totalFrames int, onUpdate func(Update)) *Tracker {
	return &Tracker{
		totalFrames: totalFrames,
		onUpdate:    onUpdate,
		chunks:      make(map[int]chunkState),
		stage:       ipc.StagePreparing,
	}
}

// ClampProgress returns max(last forwarded value, v), bounded to 0-100,
// and records it as the last forwarded value.
func (t *Tracker) ClampProgress(v float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clamp(v)
}

func (t *Tracker) clamp(v float64) float64 {
	if v < 0 {
		v = 0
	}
	if v > Complete {
		v = Complete
	}
	if v > t.last {
		t.last = v
	}
	return t.last
}

// SetStage forwards a host-side milestone such as planning (within the
// setup band) or combining (within the finalize band).
func (t *Tracker) SetStage(stage string, percent float64, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stage = stage
	t.message = message
	t.forward(percent)
}

// HandleChunk records a per-chunk report. Chunks that have not reported
// yet count as zero rendered frames.
func (t *Tracker) HandleChunk(index, total, rendered int, stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.chunks[index] = chunkState{rendered: rendered, total: total}
	if stage != "" {
		t.stage = stage
	}
	t.message = ""
	t.forward(SetupEnd + (RenderEnd-SetupEnd)*t.renderedFraction())
}

// HandleFlat records a whole-export percentage (0-100) from a sequential worker.
func (t *Tracker) HandleFlat(percent float64, stage, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if stage != "" {
		t.stage = stage
	}
	t.message = message
	t.forward(SetupEnd + (RenderEnd-SetupEnd)*percent/100)
}

// Handle dispatches a report by its shape.
func (t *Tracker) Handle(r ipc.ProgressReport) {
	if r.IsPerChunk() {
		t.HandleChunk(*r.ChunkIndex, r.ChunkTotalFrames, r.ChunkRenderedFrames, r.Stage)
		return
	}
	t.HandleFlat(r.Progress, r.Stage, r.Message)
}

// Attach feeds progress messages from src into the tracker until the
// returned detach function is called.
func (t *Tracker) Attach(src Source) (detach func()) {
	return src.Subscribe(func(n ipc.Notify) {
		if n.Method != ipc.MethodProgress {
			return
		}
		var report ipc.ProgressReport
		if err := ipc.DecodeData(n.Data, &report); err != nil {
			logging.Warn("Dropping malformed progress report: %v", err)
			return
		}
		t.Handle(report)
	})
}

// Current returns the last forwarded update.
func (t *Tracker) Current() Update {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Update{Percent: t.last, Stage: t.stage, Message: t.message}
}

func (t *Tracker) renderedFraction() float64 {
	if t.totalFrames <= 0 {
		return 0
	}
	sum := 0
	for _, c := range t.chunks {
		done := c.rendered
		if done > c.total {
			done = c.total
		}
		if done > 0 {
			sum += done
		}
	}
	f := float64(sum) / float64(t.totalFrames)
	if f > 1 {
		f = 1
	}
	return f
}

func (t *Tracker) forward(v float64) {
	percent := t.clamp(v)
	if t.onUpdate != nil {
		t.onUpdate(Update{Percent: percent, Stage: t.stage, Message: t.message})
	}
}
