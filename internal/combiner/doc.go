// Package combiner joins rendered chunk files into the final video using
// the mux tool's concat demuxer.
//
// Chunks are stream-copied, never re-encoded, so they must share codec
// parameters. Chunk files are removed after every combine attempt whether
// it succeeds or fails: a partial set of chunks is not useful on its own.
package combiner
