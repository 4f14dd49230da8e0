package startup

import (
	"context"
	"fmt"
	"io"

	"render-export/internal/combiner"
	"render-export/internal/export"
	"render-export/internal/machine"
	"render-export/internal/metrics"
	"render-export/internal/planner"
	"render-export/internal/render"
	"render-export/internal/renderworker"
	"render-export/internal/supervisor"
)

// ExportConfig builds the orchestrator configuration shared by the service
// and the CLI. memoryLimit caps the machine profile in bytes (0 for none).
// recorder may be nil.
func ExportConfig(c *Config, memoryLimit int64, recorder export.Recorder) (export.Config, error) {
	policy, err := planner.LoadPolicy(c.PolicyFile)
	if err != nil {
		return export.Config{}, fmt.Errorf("policy: %w", err)
	}

	profiler := machine.NewSystemProfiler()
	profiler.MemoryLimitBytes = memoryLimit

	return export.Config{
		Profiler: profiler,
		Policy:   policy,
		Combiner: combiner.New(c.MuxTool),
		Workers: supervisor.Options{
			Launcher:          c.Launcher(),
			HeartbeatInterval: c.HeartbeatInterval,
			StartupTimeout:    c.StartupTimeout,
			ShutdownGrace:     c.ShutdownGrace,
			MaxRestarts:       c.MaxRestarts,
			Observer:          metrics.NewWorkerObserver(),
		},
		WorkDir:     c.WorkDir,
		CancelGrace: c.CancelGrace,
		DefaultTier: machine.ParseTier(c.QualityTier),
		Recorder:    recorder,
	}, nil
}

// Launcher returns how workers are started: goroutines sharing this
// process, or the worker binary with the renderer settings in its
// environment.
func (c *Config) Launcher() supervisor.Launcher {
	if c.WorkerInProcess {
		opts := renderworker.Options{
			Renderer:     render.New(c.RendererCommand, c.MuxTool),
			StallTimeout: c.StallTimeout,
		}
		return supervisor.InProcessLauncher{
			Serve: func(ctx context.Context, r io.Reader, w io.Writer) error {
				return renderworker.Serve(ctx, r, w, opts)
			},
		}
	}

	return supervisor.ExecLauncher{
		Path: c.WorkerBinary,
		Env: []string{
			"RENDERER_COMMAND=" + c.RendererCommand,
			"MUX_TOOL=" + c.MuxTool,
			"STALL_TIMEOUT=" + c.StallTimeout.String(),
		},
	}
}
