package planner

import (
	"math"
	"time"

	"render-export/internal/machine"
)

// WorkerAllocation is the resource split for one export.
// When UseParallel is false, WorkerCount is 1 and one worker renders the
// whole plan sequentially.
type WorkerAllocation struct {
	WorkerCount       int           `json:"workerCount"`
	Concurrency       int           `json:"concurrency"`
	UseParallel       bool          `json:"useParallel"`
	MemoryPerWorkerMB int           `json:"memoryPerWorkerMB"`
	Timeout           time.Duration `json:"timeout"`
}

// EstimateWorkerMemoryGB estimates the resident size of one worker
// rendering width x height frames with the given number of contexts.
func (p Policy) EstimateWorkerMemoryGB(width, height, concurrency int) float64 {
	if concurrency < 1 {
		concurrency = 1
	}
	megapixels := float64(width*height) / 1e6
	return p.WorkerBaseMemoryGB + megapixels*p.FrameBufferGBPerMP*float64(concurrency)
}

// RecommendedWorkerCount returns how many worker processes the machine
// can sustain. Memory is the binding constraint for a browser-based
// renderer, so below LowMemoryGB of available memory the count is capped
// regardless of CPU.
func (p Policy) RecommendedWorkerCount(profile machine.Profile, chunkCount int, sizeEstimateGB float64) int {
	if chunkCount <= 1 {
		return 1
	}

	workers := profile.CPUCores - 1
	if byMemory := int(math.Floor(profile.AvailableMemoryGB)); byMemory < workers {
		workers = byMemory
	}
	if sizeEstimateGB > 0 {
		if bySize := int(math.Floor(profile.AvailableMemoryGB / sizeEstimateGB)); bySize < workers {
			workers = bySize
		}
	}
	if p.MaxWorkers > 0 && workers > p.MaxWorkers {
		workers = p.MaxWorkers
	}
	if workers < 1 {
		workers = 1
	}
	if workers > chunkCount {
		workers = chunkCount
	}
	if profile.AvailableMemoryGB < p.LowMemoryGB && workers > p.LowMemoryMaxWorkers {
		workers = p.LowMemoryMaxWorkers
	}
	return workers
}

// Allocate derives the final allocation.
func (p Policy) Allocate(profile machine.Profile, effectiveMemoryGB float64, chunkCount, recommendedWorkers, totalFrames int, fps float64) WorkerAllocation {
	durationSeconds := 0.0
	if fps > 0 {
		durationSeconds = float64(totalFrames) / fps
	}

	useParallel := chunkCount > 1 && recommendedWorkers > 1
	workers := 1
	if useParallel {
		workers = recommendedWorkers
		if workers > chunkCount {
			workers = chunkCount
		}
	}

	concurrency := p.concurrency(profile, effectiveMemoryGB, durationSeconds)
	if useParallel {
		// Workers share the machine; split the contexts between them.
		concurrency = concurrency / workers
		if concurrency < 1 {
			concurrency = 1
		}
	}

	memoryPerWorkerMB := int(effectiveMemoryGB * 1024 * p.WorkerMemoryFraction / float64(workers))
	if memoryPerWorkerMB < 256 {
		memoryPerWorkerMB = 256
	}

	return WorkerAllocation{
		WorkerCount:       workers,
		Concurrency:       concurrency,
		UseParallel:       useParallel,
		MemoryPerWorkerMB: memoryPerWorkerMB,
		Timeout:           p.Timeout(durationSeconds, chunkCount, workers),
	}
}

// concurrency is min(cores/2, memory/perContext, MaxConcurrency), then
// clamped down by the memory tiers. Short exports assume a smaller
// per-context footprint so a machine with headroom is not left idle.
func (p Policy) concurrency(profile machine.Profile, memoryGB, durationSeconds float64) int {
	perContext := p.MemoryPerContextGB
	short := durationSeconds > 0 && durationSeconds <= p.ShortExportSeconds
	if short {
		perContext = p.ShortMemoryPerContextGB
	}

	c := profile.CPUCores / 2
	if byMemory := int(math.Floor(memoryGB / perContext)); byMemory < c {
		c = byMemory
	}
	if c > p.MaxConcurrency {
		c = p.MaxConcurrency
	}

	for _, clamp := range p.ConcurrencyClamps {
		if memoryGB < clamp.BelowGB {
			if c > clamp.MaxConcurrency {
				c = clamp.MaxConcurrency
			}
			break
		}
	}

	if c < 1 {
		c = 1
	}
	return c
}

// Timeout scales an estimated render time by a safety multiplier that
// grows with the number of chunks each worker renders back to back, then
// clamps it to [MinTimeout, MaxTimeout].
func (p Policy) Timeout(durationSeconds float64, chunkCount, workers int) time.Duration {
	if workers < 1 {
		workers = 1
	}
	chunksPerWorker := math.Ceil(float64(chunkCount) / float64(workers))
	if chunksPerWorker < 1 {
		chunksPerWorker = 1
	}

	baseSeconds := durationSeconds * p.RenderSecondsPerVideoSecond
	multiplier := p.SafetyMultiplierBase + p.SafetyMultiplierPerChunk*chunksPerWorker
	timeout := time.Duration(baseSeconds * multiplier * float64(time.Second))

	if timeout < p.MinTimeout {
		timeout = p.MinTimeout
	}
	if timeout > p.MaxTimeout {
		timeout = p.MaxTimeout
	}
	return timeout
}

// TimeoutMs returns the timeout in milliseconds.
func (a WorkerAllocation) TimeoutMs() int64 {
	return a.Timeout.Milliseconds()
}
