package planner

import (
	"testing"
	"time"

	"render-export/internal/machine"
)

func TestRecommendedWorkerCount(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name    string
		profile machine.Profile
		chunks  int
		sizeGB  float64
		want    int
	}{
		{"single chunk", machine.Profile{CPUCores: 16, AvailableMemoryGB: 32}, 1, 0, 1},
		{"cpu bound", machine.Profile{CPUCores: 4, AvailableMemoryGB: 32}, 10, 0, 3},
		{"memory bound", machine.Profile{CPUCores: 16, AvailableMemoryGB: 2.9}, 10, 0, 2},
		{"capped by chunks", machine.Profile{CPUCores: 16, AvailableMemoryGB: 32}, 3, 0, 3},
		{"capped by max workers", machine.Profile{CPUCores: 32, AvailableMemoryGB: 64}, 40, 0, 6},
		{"size estimate bound", machine.Profile{CPUCores: 16, AvailableMemoryGB: 8}, 10, 3, 2},
		{"floor of one", machine.Profile{CPUCores: 1, AvailableMemoryGB: 0.3}, 10, 0, 1},
		{"single core", machine.Profile{CPUCores: 1, AvailableMemoryGB: 16}, 10, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.RecommendedWorkerCount(tt.profile, tt.chunks, tt.sizeGB); got != tt.want {
				t.Errorf("RecommendedWorkerCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRecommendedWorkerCountLowMemoryFloor(t *testing.T) {
	p := DefaultPolicy()
	p.LowMemoryMaxWorkers = 2
	// Force the memory term out of the way so only the hard floor applies.
	profile := machine.Profile{CPUCores: 32, AvailableMemoryGB: 0.9}

	for chunks := 2; chunks < 20; chunks++ {
		if got := p.RecommendedWorkerCount(profile, chunks, 0); got > 2 {
			t.Errorf("chunks=%d: RecommendedWorkerCount() = %d with <1GB available, want <= 2", chunks, got)
		}
	}
}

func TestAllocateInvariants(t *testing.T) {
	p := DefaultPolicy()
	profiles := []machine.Profile{
		{CPUCores: 1, TotalMemoryGB: 1, AvailableMemoryGB: 0.5},
		{CPUCores: 4, TotalMemoryGB: 8, AvailableMemoryGB: 2.5},
		{CPUCores: 8, TotalMemoryGB: 16, AvailableMemoryGB: 8},
		{CPUCores: 32, TotalMemoryGB: 128, AvailableMemoryGB: 100},
	}

	for _, profile := range profiles {
		for chunks := 0; chunks <= 12; chunks++ {
			for recommended := 1; recommended <= 8; recommended++ {
				a := p.Allocate(profile, machine.EffectiveMemoryGB(profile), chunks, recommended, 9000, 30)

				if a.WorkerCount < 1 || a.Concurrency < 1 {
					t.Fatalf("allocation %+v has non-positive counts", a)
				}
				if a.UseParallel && a.WorkerCount > chunks {
					t.Fatalf("chunks=%d: WorkerCount %d > chunk count in parallel mode", chunks, a.WorkerCount)
				}
				if chunks <= 1 && a.UseParallel {
					t.Fatalf("chunks=%d: UseParallel must be false", chunks)
				}
				if !a.UseParallel && a.WorkerCount != 1 {
					t.Fatalf("sequential allocation has %d workers", a.WorkerCount)
				}
				if recommended == 1 && a.UseParallel {
					t.Fatal("UseParallel with a single recommended worker")
				}
				if a.Timeout < p.MinTimeout || a.Timeout > p.MaxTimeout {
					t.Fatalf("Timeout %v outside [%v, %v]", a.Timeout, p.MinTimeout, p.MaxTimeout)
				}
			}
		}
	}
}

func TestAllocateConcurrencyClamps(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name     string
		cores    int
		memoryGB float64
		frames   int
		want     int
	}{
		{"below 2GB", 16, 1.9, 18000, 1},
		{"below 3GB long export", 16, 2.9, 18000, 1},
		{"cpu bound", 4, 32, 18000, 2},
		{"memory bound", 32, 6, 18000, 4},
		{"hard cap", 64, 64, 18000, 8},
		{"short export relaxes memory", 32, 6, 900, 6},
		{"short export still clamped", 32, 1.5, 900, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile := machine.Profile{CPUCores: tt.cores, AvailableMemoryGB: tt.memoryGB}
			a := p.Allocate(profile, tt.memoryGB, 1, 1, tt.frames, 30)
			if a.Concurrency != tt.want {
				t.Errorf("Concurrency = %d, want %d", a.Concurrency, tt.want)
			}
		})
	}
}

func TestAllocateMemoryTierClampsAreBinding(t *testing.T) {
	p := DefaultPolicy()
	p.MemoryPerContextGB = 0.5

	tests := []struct {
		memoryGB float64
		want     int
	}{
		{1.9, 1},
		{2.9, 2},
		{3.5, 7},
	}
	for _, tt := range tests {
		profile := machine.Profile{CPUCores: 32, AvailableMemoryGB: tt.memoryGB}
		a := p.Allocate(profile, tt.memoryGB, 1, 1, 18000, 30)
		if a.Concurrency != tt.want {
			t.Errorf("memory %.1fGB: Concurrency = %d, want %d", tt.memoryGB, a.Concurrency, tt.want)
		}
	}
}

func TestAllocateSplitsConcurrencyAcrossWorkers(t *testing.T) {
	p := DefaultPolicy()
	profile := machine.Profile{CPUCores: 16, AvailableMemoryGB: 32}

	a := p.Allocate(profile, 32, 8, 4, 18000, 30)
	if !a.UseParallel || a.WorkerCount != 4 {
		t.Fatalf("allocation = %+v, want 4 parallel workers", a)
	}
	if a.Concurrency != 2 {
		t.Errorf("Concurrency = %d, want 8/4 = 2", a.Concurrency)
	}
	if a.MemoryPerWorkerMB != 6553 {
		t.Errorf("MemoryPerWorkerMB = %d", a.MemoryPerWorkerMB)
	}
}

func TestTimeout(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name    string
		seconds float64
		chunks  int
		workers int
		want    time.Duration
	}{
		{"short export hits floor", 10, 1, 1, 15 * time.Minute},
		{"long export hits ceiling", 3600, 60, 1, 2 * time.Hour},
		// 600s * 6 = 3600s base, multiplier 2 + 0.5*2 = 3
		{"scaled by chunks per worker", 600, 10, 5, 3 * time.Hour},
		// 300s * 6 = 1800s base, multiplier 2 + 0.5*1 = 2.5
		{"within range", 300, 4, 4, 75 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := tt.want
			if want > p.MaxTimeout {
				want = p.MaxTimeout
			}
			if got := p.Timeout(tt.seconds, tt.chunks, tt.workers); got != want {
				t.Errorf("Timeout() = %v, want %v", got, want)
			}
		})
	}
}

func TestTimeoutGrowsWithSerializedChunks(t *testing.T) {
	p := DefaultPolicy()
	p.MaxTimeout = 100 * time.Hour

	thin := p.Timeout(600, 12, 1)
	wide := p.Timeout(600, 12, 6)
	if thin <= wide {
		t.Errorf("one worker timeout %v should exceed six worker timeout %v", thin, wide)
	}
}

func TestEndToEndShortExportIsSinglePass(t *testing.T) {
	p := DefaultPolicy()
	profile := machine.Profile{CPUCores: 8, TotalMemoryGB: 16, AvailableMemoryGB: 8}

	size := p.ChunkSize(300, 10)
	if size != 300 {
		t.Fatalf("ChunkSize = %d, want 300", size)
	}
	plan := BuildPlan(300, size, 30)
	workers := p.RecommendedWorkerCount(profile, len(plan), 0)
	a := p.Allocate(profile, machine.EffectiveMemoryGB(profile), len(plan), workers, 300, 30)

	if a.UseParallel || a.WorkerCount != 1 {
		t.Errorf("allocation = %+v, want sequential single worker", a)
	}
}

func TestEndToEndLongExportUnderMemoryPressure(t *testing.T) {
	p := DefaultPolicy()
	profile := machine.Profile{CPUCores: 8, TotalMemoryGB: 8, AvailableMemoryGB: 1.5, ReclaimableMemoryGB: 2}
	frames := 12 * 60 * 30

	size := p.ChunkSize(frames, 720)
	if want := int(p.ChunkDurationTiers[len(p.ChunkDurationTiers)-1].ChunkDurationSeconds * 30); size != want {
		t.Fatalf("ChunkSize = %d, want longer tier %d", size, want)
	}
	plan := BuildPlan(frames, size, 30)
	workers := p.RecommendedWorkerCount(profile, len(plan), p.EstimateWorkerMemoryGB(1920, 1080, 1))
	a := p.Allocate(profile, machine.EffectiveMemoryGB(profile), len(plan), workers, frames, 30)

	if a.WorkerCount > 2 {
		t.Errorf("WorkerCount = %d, want <= 2", a.WorkerCount)
	}
	if a.Concurrency != 1 {
		t.Errorf("Concurrency = %d, want 1", a.Concurrency)
	}
}
