package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"render-export/internal/logging"
	"render-export/internal/render"
	"render-export/internal/renderworker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn("Failed to load .env file: %v", err)
	}
	// Stdout carries the protocol. Logs go to stderr, which the host
	// prefixes with the worker name.
	if err := logging.Setup("", logging.FileConfig{}); err != nil {
		logging.Warn("Failed to set up logging: %v", err)
	}

	// Cancellation is the host's decision, so only SIGTERM stops the
	// worker directly.
	signal.Ignore(os.Interrupt)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	opts := workerOptions(os.Getenv)
	logging.Debug("Worker %s starting with %T", os.Getenv("WORKER_NAME"), opts.Renderer)

	if err := renderworker.Serve(ctx, os.Stdin, os.Stdout, opts); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("Worker stopped: %v", err)
		os.Exit(1)
	}
}

// workerOptions reads the renderer settings the host passes in the
// environment.
func workerOptions(getenv func(string) string) renderworker.Options {
	muxTool := getenv("MUX_TOOL")
	if muxTool == "" {
		muxTool = "ffmpeg"
	}

	var stall time.Duration
	if s := getenv("STALL_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			logging.Warn("Invalid STALL_TIMEOUT %q, stall detection disabled", s)
		} else {
			stall = d
		}
	}

	return renderworker.Options{
		Renderer:     render.New(getenv("RENDERER_COMMAND"), muxTool),
		StallTimeout: stall,
	}
}
