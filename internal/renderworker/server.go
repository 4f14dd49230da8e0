// Package renderworker is the worker-process side of the export protocol.
// It answers the supervisor's handshake and heartbeats and renders the
// chunks of "export" requests with a render.Renderer.
package renderworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"render-export/internal/ipc"
	"render-export/internal/logging"
	"render-export/internal/render"
)

// Options configures a worker.
type Options struct {
	Renderer render.Renderer
	// StallTimeout, when positive, stops heartbeat replies while an export
	// has reported no progress for this long, so the supervisor treats a
	// wedged renderer as a crash.
	StallTimeout time.Duration
}

// Serve speaks the protocol on r/w until the host sends shutdown, the
// stream closes, or ctx is done.
func Serve(ctx context.Context, r io.Reader, w io.Writer, opts Options) error {
	if opts.Renderer == nil {
		return errors.New("renderworker: no renderer configured")
	}

	s := &server{
		opts: opts,
		conn: ipc.NewConn(r, w),
	}
	return s.serve(ctx)
}

type server struct {
	opts Options
	conn *ipc.Conn
	name string

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup

	lastActivity atomic.Int64
}

func (s *server) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	msgs := make(chan ipc.Message)
	errc := make(chan error, 1)
	go func() {
		for {
			msg, err := s.conn.Receive()
			if err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("worker stream failed: %w", err)
		case msg := <-msgs:
			if done := s.handle(ctx, msg); done {
				logging.Debug("Worker %s shutting down", s.name)
				return nil
			}
		}
	}
}

// handle processes one message and reports whether the worker should exit.
func (s *server) handle(ctx context.Context, msg ipc.Message) bool {
	switch m := msg.(type) {
	case ipc.Init:
		s.name = m.WorkerID
		logging.Info("Worker %s initialized for %s", m.WorkerID, m.Channel)
		s.send(ipc.Ready{})
	case ipc.HeartbeatPing:
		if s.stalled() {
			logging.Warn("Worker %s: renderer stalled, withholding heartbeat", s.name)
			return false
		}
		s.send(ipc.Heartbeat{})
	case ipc.Request:
		s.handleRequest(ctx, m)
	case ipc.Notify:
		if m.Method == ipc.MethodCancel {
			s.cancelExport()
		}
	case ipc.Shutdown:
		s.cancelExport()
		return true
	default:
		logging.Warn("Worker %s ignoring unexpected %s message", s.name, msg.Type())
	}
	return false
}

func (s *server) handleRequest(ctx context.Context, req ipc.Request) {
	if req.Method != ipc.MethodExport {
		s.send(ipc.Response{ID: req.ID, Error: fmt.Sprintf("unknown method %q", req.Method)})
		return
	}

	var cfg ipc.ExportJobConfig
	if err := ipc.DecodeData(req.Data, &cfg); err != nil {
		s.send(ipc.Response{ID: req.ID, Error: err.Error()})
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.send(ipc.Response{ID: req.ID, Error: "worker is busy with another export"})
		return
	}
	exportCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			s.running = false
			s.cancel = nil
			s.mu.Unlock()
		}()

		result := s.runExport(exportCtx, cfg)
		data, err := ipc.Encode(result)
		if err != nil {
			s.send(ipc.Response{ID: req.ID, Error: err.Error()})
			return
		}
		s.send(ipc.Response{ID: req.ID, Data: data})
	}()
}

// runExport renders the assigned chunks in order. The first failure stops
// the job: a partial set of chunks cannot produce a contiguous video.
func (s *server) runExport(ctx context.Context, cfg ipc.ExportJobConfig) ipc.ExportResult {
	s.touch()
	start := time.Now()
	totalFrames := cfg.AssignedFrames()
	framesBefore := 0
	results := make([]ipc.ChunkResult, 0, len(cfg.Chunks))

	logging.Info("Worker %s: rendering %d chunk(s), %d frames", s.name, len(cfg.Chunks), totalFrames)

	for _, chunk := range cfg.Chunks {
		if ctx.Err() != nil {
			return ipc.ExportResult{Success: false, Cancelled: true, ChunkResults: results, Error: "export cancelled"}
		}

		if err := os.MkdirAll(filepath.Dir(chunk.OutputPath), 0o755); err != nil {
			return s.failed(results, chunk, fmt.Errorf("failed to create chunk directory: %w", err))
		}

		job := render.Job{
			BundleLocation: cfg.BundleLocation,
			Composition:    cfg.Composition,
			InputProps:     cfg.InputProps,
			OutputPath:     chunk.OutputPath,
			StartFrame:     chunk.StartFrame,
			EndFrame:       chunk.EndFrame,
			Quality:        cfg.Quality,
		}

		chunkFrames := chunk.Frames()
		s.report(cfg, chunk.Index, chunkFrames, 0, framesBefore, totalFrames)

		err := s.opts.Renderer.Render(ctx, job, func(p render.Progress) {
			s.touch()
			s.report(cfg, chunk.Index, chunkFrames, p.RenderedFrames, framesBefore, totalFrames)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ipc.ExportResult{Success: false, Cancelled: true, ChunkResults: results, Error: "export cancelled"}
			}
			return s.failed(results, chunk, err)
		}

		s.touch()
		framesBefore += chunkFrames
		s.report(cfg, chunk.Index, chunkFrames, chunkFrames, framesBefore-chunkFrames, totalFrames)
		results = append(results, ipc.ChunkResult{Index: chunk.Index, Path: chunk.OutputPath, Success: true})
		logging.Debug("Worker %s: chunk %d/%d done", s.name, chunk.Index+1, cfg.TotalChunks)
	}

	logging.Info("Worker %s: rendered %d chunk(s) in %s", s.name, len(results), time.Since(start).Round(time.Millisecond))
	return ipc.ExportResult{Success: true, ChunkResults: results}
}

func (s *server) failed(results []ipc.ChunkResult, chunk ipc.ChunkAssignment, err error) ipc.ExportResult {
	logging.Error("Worker %s: chunk %d failed: %v", s.name, chunk.Index, err)
	results = append(results, ipc.ChunkResult{Index: chunk.Index, Path: chunk.OutputPath, Success: false, Error: err.Error()})
	return ipc.ExportResult{
		Success:      false,
		ChunkResults: results,
		Error:        fmt.Sprintf("chunk %d failed: %v", chunk.Index, err),
	}
}

// report sends progress in the shape the host asked for.
func (s *server) report(cfg ipc.ExportJobConfig, index, chunkFrames, rendered, framesBefore, totalFrames int) {
	var report ipc.ProgressReport
	if cfg.PerChunkProgress {
		report = ipc.ChunkProgress(index, chunkFrames, rendered, ipc.StageRendering)
	} else {
		percent := 0.0
		if totalFrames > 0 {
			percent = float64(framesBefore+rendered) / float64(totalFrames) * 100
		}
		report = ipc.FlatProgress(percent, ipc.StageRendering, fmt.Sprintf("chunk %d of %d", index+1, cfg.TotalChunks))
	}

	n, err := ipc.NewNotify(ipc.MethodProgress, report)
	if err != nil {
		logging.Warn("Worker %s: failed to encode progress: %v", s.name, err)
		return
	}
	s.send(n)
}

func (s *server) cancelExport() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		logging.Info("Worker %s: cancelling export", s.name)
		s.cancel()
	}
}

func (s *server) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *server) stalled() bool {
	if s.opts.StallTimeout <= 0 {
		return false
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return false
	}
	return time.Since(time.Unix(0, s.lastActivity.Load())) > s.opts.StallTimeout
}

func (s *server) send(m ipc.Message) {
	if err := s.conn.Send(m); err != nil {
		logging.Debug("Worker %s: failed to send %s: %v", s.name, m.Type(), err)
	}
}
