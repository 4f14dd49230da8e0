package planner

import "math"

// ChunkPlanEntry is one contiguous, inclusive frame range.
type ChunkPlanEntry struct {
	Index       int     `json:"index"`
	StartFrame  int     `json:"startFrame"`
	EndFrame    int     `json:"endFrame"`
	StartTimeMs float64 `json:"startTimeMs"`
	EndTimeMs   float64 `json:"endTimeMs"`
}

// Frames returns the number of frames covered by the entry.
func (e ChunkPlanEntry) Frames() int {
	return e.EndFrame - e.StartFrame + 1
}

// ChunkDurationTarget returns the target chunk length for an export of
// the given duration.
func (p Policy) ChunkDurationTarget(durationSeconds float64) float64 {
	for _, tier := range p.ChunkDurationTiers {
		if tier.UpToSeconds == 0 || durationSeconds <= tier.UpToSeconds {
			return tier.ChunkDurationSeconds
		}
	}
	return p.ChunkDurationTiers[len(p.ChunkDurationTiers)-1].ChunkDurationSeconds
}

// ChunkSize returns the number of frames per chunk. Short exports are
// rendered in a single pass. Longer ones are cut by duration rather than
// frame count so that a chunk's memory footprint does not depend on the
// frame rate.
func (p Policy) ChunkSize(totalFrames int, durationSeconds float64) int {
	if totalFrames <= 0 {
		return 0
	}
	if durationSeconds <= p.SinglePassMaxSeconds || durationSeconds <= 0 {
		return totalFrames
	}

	fps := float64(totalFrames) / durationSeconds
	size := int(math.Ceil(p.ChunkDurationTarget(durationSeconds) * fps))
	if size < 1 {
		size = 1
	}
	if size > totalFrames {
		size = totalFrames
	}
	return size
}

// BuildPlan splits [0, totalFrames) into ceil(totalFrames/chunkSize)
// contiguous entries sorted by index. The last entry is clamped to
// totalFrames-1. totalFrames <= 0 yields an empty plan.
func BuildPlan(totalFrames, chunkSize int, fps float64) []ChunkPlanEntry {
	if totalFrames <= 0 {
		return []ChunkPlanEntry{}
	}
	if chunkSize <= 0 || chunkSize > totalFrames {
		chunkSize = totalFrames
	}

	count := (totalFrames + chunkSize - 1) / chunkSize
	plan := make([]ChunkPlanEntry, 0, count)
	for i := 0; i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize - 1
		if end > totalFrames-1 {
			end = totalFrames - 1
		}
		plan = append(plan, ChunkPlanEntry{
			Index:       i,
			StartFrame:  start,
			EndFrame:    end,
			StartTimeMs: frameToMs(start, fps),
			EndTimeMs:   frameToMs(end+1, fps),
		})
	}
	return plan
}

// Partition splits a plan into n contiguous groups whose sizes differ by
// at most one. Groups keep index order. n is clamped to [1, len(plan)].
func Partition(plan []ChunkPlanEntry, n int) [][]ChunkPlanEntry {
	if len(plan) == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if n > len(plan) {
		n = len(plan)
	}

	groups := make([][]ChunkPlanEntry, 0, n)
	base := len(plan) / n
	extra := len(plan) % n
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		groups = append(groups, plan[start:start+size])
		start += size
	}
	return groups
}

func frameToMs(frame int, fps float64) float64 {
	if fps <= 0 {
		return 0
	}
	return float64(frame) / fps * 1000
}
