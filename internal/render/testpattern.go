package render

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"render-export/internal/logging"
	"render-export/internal/procgroup"
)

// TestPatternRenderer renders the lavfi test source with the mux tool
// instead of a real composition. It produces real, concat-compatible
// H.264 chunks and is used when no renderer command is configured.
type TestPatternRenderer struct {
	ToolPath string
}

// BuildArgs builds the mux tool arguments for job.
func (r TestPatternRenderer) BuildArgs(job Job) []string {
	c := job.Composition
	start := float64(job.StartFrame) / c.FPS
	source := fmt.Sprintf("testsrc2=size=%dx%d:rate=%s",
		c.Width, c.Height, strconv.FormatFloat(c.FPS, 'f', -1, 64))

	preset := job.Quality.Preset
	if preset == "" {
		preset = "medium"
	}

	args := []string{
		"-y",
		"-f", "lavfi",
		"-i", source,
		"-ss", strconv.FormatFloat(start, 'f', 6, 64),
		"-frames:v", strconv.Itoa(job.Frames()),
		"-c:v", "libx264",
		"-preset", preset,
		"-pix_fmt", "yuv420p",
	}
	if job.Quality.BitrateKbps > 0 {
		args = append(args, "-b:v", fmt.Sprintf("%dk", job.Quality.BitrateKbps))
	}
	if job.Quality.Concurrency > 0 {
		args = append(args, "-threads", strconv.Itoa(job.Quality.Concurrency))
	}
	return append(args,
		"-progress", "pipe:1",
		"-nostats",
		job.OutputPath,
	)
}

// Render runs the mux tool and converts its frame= progress lines.
func (r TestPatternRenderer) Render(ctx context.Context, job Job, onProgress func(Progress)) error {
	if job.Composition.FPS <= 0 {
		return fmt.Errorf("invalid fps %v", job.Composition.FPS)
	}

	cmd := exec.CommandContext(ctx, r.ToolPath, r.BuildArgs(job)...)
	procgroup.Bind(cmd, waitDelay)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	tail := newTailWriter(8)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", r.ToolPath, err)
	}

	total := job.Frames()
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "frame=") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(line, "frame="))
		if err != nil || onProgress == nil {
			continue
		}
		if n > total {
			n = total
		}
		onProgress(Progress{RenderedFrames: n, Progress: float64(n) / float64(total)})
	}

	if err := cmd.Wait(); err != nil {
		_ = os.Remove(job.OutputPath)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Debug("Test pattern render stderr: %s", tail.String())
		return fmt.Errorf("test pattern render failed: %w: %s", err, tail.String())
	}
	return nil
}
