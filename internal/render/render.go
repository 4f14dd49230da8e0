// Package render defines how a worker turns a frame range into a video
// file. The renderer itself is an external program; this package only
// invokes it and reports its progress.
package render

import (
	"context"
	"strings"

	"render-export/internal/ipc"
)

// Job is one renderer invocation covering frames StartFrame..EndFrame
// inclusive.
type Job struct {
	BundleLocation string
	Composition    ipc.Composition
	InputProps     map[string]interface{}
	OutputPath     string
	StartFrame     int
	EndFrame       int
	Quality        ipc.Quality
}

// Frames returns the number of frames the job covers.
func (j Job) Frames() int {
	return j.EndFrame - j.StartFrame + 1
}

// Progress is reported by a renderer while it works.
type Progress struct {
	RenderedFrames int
	// Progress is the fraction of the job done, 0-1.
	Progress float64
}

// Renderer renders one job. Implementations must stop promptly when ctx
// is cancelled and must not leave a partial OutputPath behind on error.
type Renderer interface {
	Render(ctx context.Context, job Job, onProgress func(Progress)) error
}

// Func adapts a function to the Renderer interface.
type Func func(ctx context.Context, job Job, onProgress func(Progress)) error

// Render calls f.
func (f Func) Render(ctx context.Context, job Job, onProgress func(Progress)) error {
	return f(ctx, job, onProgress)
}

// New returns a CommandRenderer for commandLine, split on whitespace, or a
// TestPatternRenderer driven by muxTool when commandLine is empty.
func New(commandLine, muxTool string) Renderer {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return TestPatternRenderer{ToolPath: muxTool}
	}
	return CommandRenderer{Command: fields[0], Args: fields[1:]}
}
