// Command render-export renders a single export described by a YAML job
// file and prints the result as JSON.
//
// Usage:
//
//	render-export [-o output.mp4] [-quality high] [-base64] [-no-history] job.yaml
//
// The job file carries the same fields as a POST /api/exports body, with
// snake_case keys:
//
//	id: promo
//	bundle_location: /srv/bundles/promo
//	composition:
//	  id: Main
//	  width: 1920
//	  height: 1080
//	  fps: 30
//	  duration_in_frames: 2700
//	input_props:
//	  title: Launch
//	output_path: /exports/promo.mp4
//	quality: medium
//
// Progress is written to stderr. Configuration is read from the same
// environment variables as the service (WORK_DIR, WORKER_BINARY,
// RENDERER_COMMAND, MUX_TOOL, HISTORY_DB and so on). The first SIGINT or
// SIGTERM cancels the export; the exit status is 0 on success, 1 on
// failure, 2 on usage errors and 130 when cancelled.
package main
