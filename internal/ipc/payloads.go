package ipc

// Composition describes what the renderer draws.
type Composition struct {
	ID               string  `msgpack:"id" json:"id" yaml:"id"`
	Width            int     `msgpack:"width" json:"width" yaml:"width"`
	Height           int     `msgpack:"height" json:"height" yaml:"height"`
	FPS              float64 `msgpack:"fps" json:"fps" yaml:"fps"`
	DurationInFrames int     `msgpack:"duration_in_frames" json:"durationInFrames" yaml:"duration_in_frames"`
}

// DurationSeconds returns the composition length in seconds.
func (c Composition) DurationSeconds() float64 {
	if c.FPS <= 0 {
		return 0
	}
	return float64(c.DurationInFrames) / c.FPS
}

// Quality holds the encoder and renderer knobs for one export.
type Quality struct {
	BitrateKbps    int    `msgpack:"bitrate_kbps"`
	Preset         string `msgpack:"preset"`
	JPEGQuality    int    `msgpack:"jpeg_quality"`
	GPU            bool   `msgpack:"gpu"`
	CacheSizeBytes int64  `msgpack:"cache_size_bytes"`
	Concurrency    int    `msgpack:"concurrency"`
}

// ChunkAssignment is one frame range a worker must render to OutputPath.
type ChunkAssignment struct {
	Index      int    `msgpack:"index"`
	StartFrame int    `msgpack:"start_frame"`
	EndFrame   int    `msgpack:"end_frame"`
	OutputPath string `msgpack:"output_path"`
}

// Frames returns the number of frames in the inclusive range.
func (a ChunkAssignment) Frames() int {
	return a.EndFrame - a.StartFrame + 1
}

// ExportJobConfig is the immutable payload of an "export" request.
// Workers read it and report against it; they never modify it.
type ExportJobConfig struct {
	ExportID       string                 `msgpack:"export_id"`
	BundleLocation string                 `msgpack:"bundle_location"`
	Composition    Composition            `msgpack:"composition"`
	InputProps     map[string]interface{} `msgpack:"input_props,omitempty"`
	OutputPath     string                 `msgpack:"output_path"`
	Quality        Quality                `msgpack:"quality"`
	Chunks         []ChunkAssignment      `msgpack:"chunks"`
	TotalChunks    int                    `msgpack:"total_chunks"`
	MuxToolPath    string                 `msgpack:"mux_tool_path"`
	// PerChunkProgress selects the per-chunk progress shape (parallel mode)
	// over the flat percentage shape (sequential mode).
	PerChunkProgress bool `msgpack:"per_chunk_progress"`
}

// AssignedFrames sums the frames of every chunk in the job.
func (c ExportJobConfig) AssignedFrames() int {
	total := 0
	for _, ch := range c.Chunks {
		total += ch.Frames()
	}
	return total
}

// ChunkResult is produced once per chunk by the worker that rendered it.
type ChunkResult struct {
	Index   int    `msgpack:"index" json:"index"`
	Path    string `msgpack:"path" json:"path"`
	Success bool   `msgpack:"success" json:"success"`
	Error   string `msgpack:"error,omitempty" json:"error,omitempty"`
}

// ExportResult is the response payload of an "export" request.
type ExportResult struct {
	Success      bool          `msgpack:"success"`
	ChunkResults []ChunkResult `msgpack:"chunk_results,omitempty"`
	Error        string        `msgpack:"error,omitempty"`
	Cancelled    bool          `msgpack:"cancelled,omitempty"`
}

// Render stages reported by workers.
const (
	StagePreparing  = "preparing"
	StageRendering  = "rendering"
	StageEncoding   = "encoding"
	StageFinalizing = "finalizing"
	StageComplete   = "complete"
)

// ProgressReport is the payload of a "progress" notification. When
// ChunkIndex is set it is a per-chunk report; otherwise Progress is a flat
// 0-100 percentage for the whole job.
type ProgressReport struct {
	ChunkIndex          *int    `msgpack:"chunk_index,omitempty"`
	ChunkTotalFrames    int     `msgpack:"chunk_total_frames,omitempty"`
	ChunkRenderedFrames int     `msgpack:"chunk_rendered_frames,omitempty"`
	Stage               string  `msgpack:"stage,omitempty"`
	Progress            float64 `msgpack:"progress,omitempty"`
	Message             string  `msgpack:"message,omitempty"`
}

// IsPerChunk reports whether the report uses the per-chunk shape.
func (p ProgressReport) IsPerChunk() bool {
	return p.ChunkIndex != nil
}

// ChunkProgress builds a per-chunk report.
func ChunkProgress(index, total, rendered int, stage string) ProgressReport {
	i := index
	return ProgressReport{
		ChunkIndex:          &i,
		ChunkTotalFrames:    total,
		ChunkRenderedFrames: rendered,
		Stage:               stage,
	}
}

// FlatProgress builds a whole-job percentage report.
func FlatProgress(percent float64, stage, message string) ProgressReport {
	return ProgressReport{Progress: percent, Stage: stage, Message: message}
}
