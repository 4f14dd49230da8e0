// Command render-worker is the render worker process.
//
// The export service starts one render-worker per worker slot and talks to
// it over stdin/stdout with length-prefixed msgpack frames. The worker
// answers the init handshake and heartbeats and renders the chunks of
// each export request.
//
// Environment (set by the service):
//
//   - WORKER_NAME: Name used in log lines
//   - RENDERER_COMMAND: Renderer CLI, e.g. "npx remotion render"; empty
//     renders an ffmpeg test pattern instead
//   - MUX_TOOL: ffmpeg binary for the test pattern renderer
//   - STALL_TIMEOUT: Stop answering heartbeats when an export makes no
//     progress for this long (0 disables)
package main
