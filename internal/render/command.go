package render

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"render-export/internal/logging"
	"render-export/internal/procgroup"
)

// waitDelay bounds how long a cancelled renderer's descendants may keep
// its output pipes open.
const waitDelay = 5 * time.Second

// Progress line prefixes understood on the renderer's stdout.
const (
	RenderedFramesPrefix = "rendered_frames="
	ProgressPrefix       = "progress="
)

// CommandRenderer runs an external renderer CLI once per job.
type CommandRenderer struct {
	Command string
	// Args are placed before the generated flags, e.g. a subcommand.
	Args []string
}

// BuildArgs builds the renderer command line for job.
func (r CommandRenderer) BuildArgs(job Job) ([]string, error) {
	props := "{}"
	if len(job.InputProps) > 0 {
		b, err := json.Marshal(job.InputProps)
		if err != nil {
			return nil, fmt.Errorf("failed to encode input props: %w", err)
		}
		props = string(b)
	}

	q := job.Quality
	args := append([]string{}, r.Args...)
	args = append(args,
		"--bundle", job.BundleLocation,
		"--composition", job.Composition.ID,
		"--props", props,
		"--output", job.OutputPath,
		"--frames", fmt.Sprintf("%d-%d", job.StartFrame, job.EndFrame),
		"--width", strconv.Itoa(job.Composition.Width),
		"--height", strconv.Itoa(job.Composition.Height),
		"--fps", strconv.FormatFloat(job.Composition.FPS, 'f', -1, 64),
		"--video-bitrate", fmt.Sprintf("%dk", q.BitrateKbps),
		"--x264-preset", q.Preset,
		"--jpeg-quality", strconv.Itoa(q.JPEGQuality),
		"--concurrency", strconv.Itoa(q.Concurrency),
		"--offthread-video-cache-size-in-bytes", strconv.FormatInt(q.CacheSizeBytes, 10),
	)
	if q.GPU {
		args = append(args, "--gl", "angle")
	}
	return args, nil
}

// Render runs the renderer and parses progress lines from its stdout.
func (r CommandRenderer) Render(ctx context.Context, job Job, onProgress func(Progress)) error {
	args, err := r.BuildArgs(job)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, r.Command, args...)
	procgroup.Bind(cmd, waitDelay)

	// Pipes handed over as plain writers let WaitDelay bound the copy
	// when a descendant outlives the renderer.
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start renderer: %w", err)
	}

	tail := newTailWriter(8)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		MonitorProgress(stdout, job.Frames(), onProgress)
		_, _ = io.Copy(io.Discard, stdout)
	}()
	go func() {
		defer wg.Done()
		logging.NewLineWriter("renderer", logging.LevelDebug).Pipe(io.TeeReader(stderr, tail))
		_, _ = io.Copy(io.Discard, stderr)
	}()

	err = cmd.Wait()
	// Descendants the renderer left behind go with it.
	_ = procgroup.Kill(cmd)
	_ = stdoutW.Close()
	_ = stderrW.Close()
	wg.Wait()

	if err != nil {
		_ = os.Remove(job.OutputPath)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := tail.String(); msg != "" {
			return fmt.Errorf("renderer failed: %w: %s", err, msg)
		}
		return fmt.Errorf("renderer failed: %w", err)
	}
	return nil
}

// MonitorProgress reads "key=value" progress lines until EOF. Either
// rendered_frames or progress may be reported; the other is derived.
func MonitorProgress(r io.Reader, totalFrames int, onProgress func(Progress)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		var p Progress
		switch {
		case strings.HasPrefix(line, RenderedFramesPrefix):
			n, err := strconv.Atoi(strings.TrimPrefix(line, RenderedFramesPrefix))
			if err != nil {
				continue
			}
			p.RenderedFrames = n
			if totalFrames > 0 {
				p.Progress = float64(n) / float64(totalFrames)
			}
		case strings.HasPrefix(line, ProgressPrefix):
			f, err := strconv.ParseFloat(strings.TrimPrefix(line, ProgressPrefix), 64)
			if err != nil {
				continue
			}
			p.Progress = f
			p.RenderedFrames = int(f * float64(totalFrames))
		default:
			continue
		}

		if p.Progress > 1 {
			p.Progress = 1
		}
		if totalFrames > 0 && p.RenderedFrames > totalFrames {
			p.RenderedFrames = totalFrames
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
}

// tailWriter keeps the last n lines written to it.
type tailWriter struct {
	n       int
	lines   []string
	partial string
}

func newTailWriter(n int) *tailWriter {
	return &tailWriter{n: n}
}

func (t *tailWriter) Write(b []byte) (int, error) {
	parts := strings.Split(t.partial+string(b), "\n")
	t.partial = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		t.lines = append(t.lines, line)
		if len(t.lines) > t.n {
			t.lines = t.lines[1:]
		}
	}
	return len(b), nil
}

// String joins the kept lines. An unterminated last line counts as one
// of the n.
func (t *tailWriter) String() string {
	lines := t.lines
	if p := strings.TrimSpace(t.partial); p != "" {
		lines = append(append([]string{}, lines...), p)
	}
	if len(lines) > t.n {
		lines = lines[len(lines)-t.n:]
	}
	return strings.Join(lines, " | ")
}
