package combiner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"render-export/internal/filesystem"
	"render-export/internal/logging"
	"render-export/internal/metrics"
	"render-export/internal/procgroup"
)

// DefaultToolPath is used when no mux tool path is configured.
const DefaultToolPath = "ffmpeg"

// ErrNoChunks is returned when Combine is called without any input.
var ErrNoChunks = errors.New("combiner: no chunks to combine")

// Combiner runs the mux tool and tracks its processes so they can be
// stopped on shutdown.
type Combiner struct {
	toolPath string

	processMu sync.Mutex
	processes map[string]*exec.Cmd
}

// New creates a Combiner for the given mux tool.
func New(toolPath string) *Combiner {
	if toolPath == "" {
		toolPath = DefaultToolPath
	}
	return &Combiner{
		toolPath:  toolPath,
		processes: make(map[string]*exec.Cmd),
	}
}

// ToolPath returns the configured mux tool.
func (c *Combiner) ToolPath() string {
	return c.toolPath
}

// Combine concatenates chunkPaths, already in index order, into outputPath.
// A single chunk is moved into place without running the mux tool.
func (c *Combiner) Combine(ctx context.Context, chunkPaths []string, outputPath string) error {
	if len(chunkPaths) == 0 {
		return ErrNoChunks
	}

	start := time.Now()
	defer func() {
		metrics.CombineDuration.Observe(time.Since(start).Seconds())
	}()

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		removeChunks(chunkPaths)
		metrics.CombineTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if len(chunkPaths) == 1 {
		if err := filesystem.MoveFile(chunkPaths[0], outputPath, filesystem.DefaultRetryConfig()); err != nil {
			removeChunks(chunkPaths)
			metrics.CombineTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("failed to move single chunk into place: %w", err)
		}
		logging.Debug("Single chunk moved to %s", outputPath)
		metrics.CombineTotal.WithLabelValues("passthrough").Inc()
		return nil
	}

	for _, p := range chunkPaths {
		if _, err := filesystem.StatWithRetry(p, filesystem.DefaultRetryConfig()); err != nil {
			removeChunks(chunkPaths)
			metrics.CombineTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("chunk unavailable: %w", err)
		}
	}

	manifest, err := writeManifest(filepath.Dir(outputPath), chunkPaths)
	defer func() {
		removeChunks(chunkPaths)
		if manifest != "" {
			_ = os.Remove(manifest)
		}
	}()
	if err != nil {
		metrics.CombineTotal.WithLabelValues("failed").Inc()
		return err
	}

	if err := c.run(ctx, BuildConcatArgs(manifest, outputPath), outputPath); err != nil {
		_ = os.Remove(outputPath)
		metrics.CombineTotal.WithLabelValues("failed").Inc()
		return err
	}

	logging.Info("Combined %d chunks into %s in %s", len(chunkPaths), outputPath, time.Since(start).Round(time.Millisecond))
	metrics.CombineTotal.WithLabelValues("success").Inc()
	return nil
}

// BuildConcatArgs builds the mux tool arguments for a stream-copy concat.
// -safe 0 allows absolute paths in the manifest.
func BuildConcatArgs(manifestPath, outputPath string) []string {
	return []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", manifestPath,
		"-c", "copy",
		"-movflags", "+faststart",
		outputPath,
	}
}

func (c *Combiner) run(ctx context.Context, args []string, key string) error {
	cmd := exec.CommandContext(ctx, c.toolPath, args...)
	procgroup.Bind(cmd, 5*time.Second)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// Registered only once started, so Cleanup never sees a nil Process.
	c.processMu.Lock()
	err := cmd.Start()
	if err == nil {
		c.processes[key] = cmd
	}
	c.processMu.Unlock()

	if err == nil {
		defer func() {
			c.processMu.Lock()
			delete(c.processes, key)
			c.processMu.Unlock()
		}()
		err = cmd.Wait()
	}

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%s concat failed: %w", filepath.Base(c.toolPath), err)
		}
		logging.Error("Mux tool stderr: %s", msg)
		return fmt.Errorf("%s concat failed: %w: %s", filepath.Base(c.toolPath), err, lastLines(msg, 5))
	}
	return nil
}

// CheckTool verifies that the mux tool can be executed.
func (c *Combiner) CheckTool(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, c.toolPath, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("mux tool %s is not usable: %w", c.toolPath, err)
	}
	firstLine, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(firstLine), nil
}

// Cleanup stops all running mux processes.
func (c *Combiner) Cleanup() {
	c.processMu.Lock()
	defer c.processMu.Unlock()

	for path, cmd := range c.processes {
		if cmd.Process != nil {
			logging.Info("Killing mux process for: %s", path)
			if err := procgroup.Kill(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
				logging.Warn("Failed to kill mux process: %v", err)
			}
		}
	}
	c.processes = make(map[string]*exec.Cmd)
}

// EscapeManifestPath quotes a path for a concat manifest line.
// Single quotes are closed, escaped and reopened.
func EscapeManifestPath(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

func writeManifest(dir string, chunkPaths []string) (string, error) {
	f, err := os.CreateTemp(dir, ".concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create concat manifest: %w", err)
	}

	var b strings.Builder
	for _, p := range chunkPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		b.WriteString("file ")
		b.WriteString(EscapeManifestPath(abs))
		b.WriteByte('\n')
	}

	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return f.Name(), fmt.Errorf("failed to write concat manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return f.Name(), fmt.Errorf("failed to close concat manifest: %w", err)
	}
	return f.Name(), nil
}

func removeChunks(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logging.Warn("Failed to remove chunk %s: %v", p, err)
		}
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
