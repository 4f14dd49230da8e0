package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"render-export/internal/export"
	"render-export/internal/filesystem"
	"render-export/internal/history"
	"render-export/internal/logging"
	"render-export/internal/memory"
	"render-export/internal/metrics"
	"render-export/internal/progress"
	"render-export/internal/startup"
)

// Exit codes
const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn("Failed to load .env file: %v", err)
	}
	if err := logging.Setup("", logging.FileConfigFromEnv()); err != nil {
		logging.Warn("Failed to set up log file: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	_ = logging.Close()
	os.Exit(code)
}

type options struct {
	jobPath   string
	output    string
	quality   string
	base64    bool
	noHistory bool
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("render-export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.output, "o", "", "output path (overrides output_path in the job file)")
	fs.StringVar(&opts.quality, "quality", "", "quality tier: low, medium, high or ultra")
	fs.BoolVar(&opts.base64, "base64", false, "include the video as base64 in the printed result")
	fs.BoolVar(&opts.noHistory, "no-history", false, "do not record the export in the history database")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: render-export [flags] <job.yaml>")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Renders the composition described by the job file and prints the result as JSON.")
		fmt.Fprintln(stderr)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return opts, errors.New("exactly one job file is required")
	}
	opts.jobPath = fs.Arg(0)
	return opts, nil
}

// readJob loads an export.Request from a YAML job file.
func readJob(path string) (export.Request, error) {
	var req export.Request
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("failed to read job file: %w", err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to parse job file %s: %w", path, err)
	}
	return req, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	req, err := readJob(opts.jobPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if opts.output != "" {
		req.OutputPath = opts.output
	}
	if opts.quality != "" {
		req.Quality = opts.quality
	}
	if opts.base64 {
		req.ReturnBase64 = true
	}
	if err := req.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	mem := memory.ConfigureFromEnv()
	config, err := startup.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitFailed
	}
	filesystem.SetDefaultVolumeResolver(filesystem.NewVolumeResolver(map[string]string{
		"work":   config.WorkDir,
		"output": dirOf(req.OutputPath),
	}))
	filesystem.SetObserver(metrics.NewFilesystemObserver())

	var recorder export.Recorder
	if config.HistoryPath != "" && !opts.noHistory {
		store, err := history.Open(ctx, config.HistoryPath)
		if err != nil {
			logging.Warn("History unavailable, export will not be recorded: %v", err)
		} else {
			defer store.Close()
			recorder = store
		}
	}

	exportConfig, err := startup.ExportConfig(config, mem.ContainerLimit, recorder)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitFailed
	}

	orch := export.New(exportConfig, req.ID)
	start := time.Now()
	result := orch.Export(ctx, req, newProgressPrinter(stderr).print)
	fmt.Fprintf(stderr, "\nExport %s %s in %s\n", orch.ID(), orch.State(), time.Since(start).Round(time.Millisecond))

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logging.Error("failed to encode result: %v", err)
	}

	switch {
	case result.Success:
		return exitOK
	case result.Cancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

func dirOf(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Dir(path)
}

// progressPrinter writes one line per stage change or whole percent.
type progressPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	stage   string
	percent int
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, percent: -1}
}

func (p *progressPrinter) print(u progress.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pct := int(u.Percent)
	if u.Stage == p.stage && pct == p.percent {
		return
	}
	p.stage, p.percent = u.Stage, pct

	line := fmt.Sprintf("[%-10s] %3d%%", u.Stage, pct)
	if u.Message != "" {
		line += "  " + u.Message
	}
	fmt.Fprintln(p.w, line)
}
