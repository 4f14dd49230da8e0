package planner

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DurationTier sets the target chunk length for exports up to
// UpToSeconds long. A zero UpToSeconds matches any duration.
type DurationTier struct {
	UpToSeconds          float64 `yaml:"up_to_seconds"`
	ChunkDurationSeconds float64 `yaml:"chunk_duration_seconds"`
}

// MemoryClamp caps per-worker concurrency below a memory level.
type MemoryClamp struct {
	BelowGB        float64 `yaml:"below_gb"`
	MaxConcurrency int     `yaml:"max_concurrency"`
}

// Policy is the single table of scheduling heuristics.
type Policy struct {
	// Chunk planning
	SinglePassMaxSeconds float64        `yaml:"single_pass_max_seconds"`
	ChunkDurationTiers   []DurationTier `yaml:"chunk_duration_tiers"`

	// Worker count
	MaxWorkers           int     `yaml:"max_workers"`
	LowMemoryGB          float64 `yaml:"low_memory_gb"`
	LowMemoryMaxWorkers  int     `yaml:"low_memory_max_workers"`
	WorkerBaseMemoryGB   float64 `yaml:"worker_base_memory_gb"`
	FrameBufferGBPerMP   float64 `yaml:"frame_buffer_gb_per_megapixel"`
	WorkerMemoryFraction float64 `yaml:"worker_memory_fraction"`

	// Concurrency
	MemoryPerContextGB      float64       `yaml:"memory_per_context_gb"`
	ShortExportSeconds      float64       `yaml:"short_export_seconds"`
	ShortMemoryPerContextGB float64       `yaml:"short_memory_per_context_gb"`
	MaxConcurrency          int           `yaml:"max_concurrency"`
	ConcurrencyClamps       []MemoryClamp `yaml:"concurrency_clamps"`

	// Timeout
	RenderSecondsPerVideoSecond float64       `yaml:"render_seconds_per_video_second"`
	SafetyMultiplierBase        float64       `yaml:"safety_multiplier_base"`
	SafetyMultiplierPerChunk    float64       `yaml:"safety_multiplier_per_chunk"`
	MinTimeout                  time.Duration `yaml:"min_timeout"`
	MaxTimeout                  time.Duration `yaml:"max_timeout"`
}

// DefaultPolicy returns the shipped heuristics.
func DefaultPolicy() Policy {
	return Policy{
		SinglePassMaxSeconds: 30,
		ChunkDurationTiers: []DurationTier{
			{UpToSeconds: 300, ChunkDurationSeconds: 30},
			{UpToSeconds: 0, ChunkDurationSeconds: 60},
		},

		MaxWorkers:           6,
		LowMemoryGB:          1,
		LowMemoryMaxWorkers:  2,
		WorkerBaseMemoryGB:   0.75,
		FrameBufferGBPerMP:   0.12,
		WorkerMemoryFraction: 0.8,

		MemoryPerContextGB:      1.5,
		ShortExportSeconds:      60,
		ShortMemoryPerContextGB: 1.0,
		MaxConcurrency:          8,
		ConcurrencyClamps: []MemoryClamp{
			{BelowGB: 2, MaxConcurrency: 1},
			{BelowGB: 3, MaxConcurrency: 2},
		},

		RenderSecondsPerVideoSecond: 6,
		SafetyMultiplierBase:        2,
		SafetyMultiplierPerChunk:    0.5,
		MinTimeout:                  15 * time.Minute,
		MaxTimeout:                  2 * time.Hour,
	}
}

// LoadPolicy reads a YAML file whose fields override DefaultPolicy.
// An empty path returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return p, nil
}

// Validate checks that the table is internally consistent.
func (p Policy) Validate() error {
	if len(p.ChunkDurationTiers) == 0 {
		return fmt.Errorf("at least one chunk duration tier is required")
	}
	last := 0.0
	for i, tier := range p.ChunkDurationTiers {
		if tier.ChunkDurationSeconds <= 0 {
			return fmt.Errorf("chunk duration tier %d: chunk_duration_seconds must be positive", i)
		}
		if tier.UpToSeconds == 0 && i != len(p.ChunkDurationTiers)-1 {
			return fmt.Errorf("chunk duration tier %d: only the last tier may be open-ended", i)
		}
		if tier.UpToSeconds != 0 && tier.UpToSeconds <= last {
			return fmt.Errorf("chunk duration tiers must be sorted by up_to_seconds")
		}
		last = tier.UpToSeconds
	}
	if p.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1")
	}
	if p.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1")
	}
	if p.MemoryPerContextGB <= 0 || p.ShortMemoryPerContextGB <= 0 {
		return fmt.Errorf("memory per render context must be positive")
	}
	if p.MinTimeout <= 0 || p.MaxTimeout < p.MinTimeout {
		return fmt.Errorf("timeouts must satisfy 0 < min_timeout <= max_timeout")
	}
	return nil
}
