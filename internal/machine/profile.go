package machine

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"render-export/internal/logging"
	"render-export/internal/metrics"
)

const bytesPerGB = 1024 * 1024 * 1024

// Profile is a snapshot of the machine, taken once per export.
type Profile struct {
	CPUCores            int     `json:"cpuCores"`
	TotalMemoryGB       float64 `json:"totalMemoryGB"`
	AvailableMemoryGB   float64 `json:"availableMemoryGB"`
	ReclaimableMemoryGB float64 `json:"reclaimableMemoryGB"`
	GPUAvailable        bool    `json:"gpuAvailable"`
}

// Profiler produces machine profiles.
type Profiler interface {
	Profile() Profile
}

// ConservativeProfile is used when the machine cannot be queried.
func ConservativeProfile() Profile {
	return Profile{
		CPUCores:          1,
		TotalMemoryGB:     1,
		AvailableMemoryGB: 0.5,
	}
}

// EffectiveMemoryGB corrects the reported available memory for
// reclaimable caches.
func EffectiveMemoryGB(p Profile) float64 {
	effective := p.AvailableMemoryGB + p.ReclaimableMemoryGB*0.5

	limit := p.AvailableMemoryGB * 1.25
	if p.TotalMemoryGB > 0 && p.TotalMemoryGB < limit {
		limit = p.TotalMemoryGB
	}
	if effective > limit {
		effective = limit
	}
	if effective < 0 {
		return 0
	}
	return effective
}

// StaticProfiler returns a fixed profile.
type StaticProfiler struct {
	Value Profile
}

// Profile implements Profiler.
func (s StaticProfiler) Profile() Profile {
	return s.Value
}

// SystemProfiler samples the running host.
type SystemProfiler struct {
	// ProcPath is the procfs mount point (default /proc).
	ProcPath string
	// LookPath resolves executables; defaults to exec.LookPath.
	LookPath func(string) (string, error)
	// MemoryLimitBytes caps total and available memory, typically at the
	// container limit. Zero means no cap.
	MemoryLimitBytes int64
}

// NewSystemProfiler creates a profiler for the local machine.
func NewSystemProfiler() *SystemProfiler {
	return &SystemProfiler{
		ProcPath: procfs.DefaultMountPoint,
		LookPath: exec.LookPath,
	}
}

// Profile implements Profiler. It never fails; missing information is
// filled in from ConservativeProfile.
func (s *SystemProfiler) Profile() Profile {
	fallback := ConservativeProfile()
	p := Profile{
		CPUCores: runtime.GOMAXPROCS(0),
	}
	if p.CPUCores < 1 {
		p.CPUCores = fallback.CPUCores
	}

	total, available, reclaimable, err := s.readMemory()
	if err != nil {
		logging.Warn("Memory query failed, assuming memory pressure: %v", err)
		p.TotalMemoryGB = fallback.TotalMemoryGB
		p.AvailableMemoryGB = fallback.AvailableMemoryGB
	} else {
		p.TotalMemoryGB = total
		p.AvailableMemoryGB = available
		p.ReclaimableMemoryGB = reclaimable
	}

	if s.MemoryLimitBytes > 0 {
		p = capMemory(p, float64(s.MemoryLimitBytes)/bytesPerGB)
	}

	p.GPUAvailable = s.detectGPU()

	p = applyOverrides(p)

	metrics.MachineCPUCores.Set(float64(p.CPUCores))
	metrics.MachineMemoryGB.WithLabelValues("total").Set(p.TotalMemoryGB)
	metrics.MachineMemoryGB.WithLabelValues("available").Set(p.AvailableMemoryGB)
	metrics.MachineMemoryGB.WithLabelValues("effective").Set(EffectiveMemoryGB(p))

	logging.Debug("Machine profile: cores=%d total=%.1fGB available=%.1fGB reclaimable=%.1fGB gpu=%v",
		p.CPUCores, p.TotalMemoryGB, p.AvailableMemoryGB, p.ReclaimableMemoryGB, p.GPUAvailable)

	return p
}

func (s *SystemProfiler) readMemory() (total, available, reclaimable float64, err error) {
	procPath := s.ProcPath
	if procPath == "" {
		procPath = procfs.DefaultMountPoint
	}

	fs, err := procfs.NewFS(procPath)
	if err != nil {
		return 0, 0, 0, err
	}
	info, err := fs.Meminfo()
	if err != nil {
		return 0, 0, 0, err
	}
	if info.MemTotal == nil {
		return 0, 0, 0, errMissingField("MemTotal")
	}

	total = kbToGB(*info.MemTotal)
	switch {
	case info.MemAvailable != nil:
		available = kbToGB(*info.MemAvailable)
	case info.MemFree != nil:
		// Kernels before 3.14 do not report MemAvailable.
		available = kbToGB(*info.MemFree)
	default:
		return 0, 0, 0, errMissingField("MemAvailable")
	}

	var reclaimKB uint64
	if info.Cached != nil {
		reclaimKB += *info.Cached
	}
	if info.SReclaimable != nil {
		reclaimKB += *info.SReclaimable
	}
	reclaimable = kbToGB(reclaimKB)

	return total, available, reclaimable, nil
}

func (s *SystemProfiler) detectGPU() bool {
	if runtime.GOOS == "darwin" {
		return true
	}

	procPath := s.ProcPath
	if procPath == "" {
		procPath = procfs.DefaultMountPoint
	}
	devRoot := filepath.Join(filepath.Dir(filepath.Clean(procPath)), "dev")
	if matches, _ := filepath.Glob(filepath.Join(devRoot, "dri", "renderD*")); len(matches) > 0 {
		return true
	}

	lookPath := s.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if _, err := lookPath("nvidia-smi"); err == nil {
		return true
	}
	return false
}

func applyOverrides(p Profile) Profile {
	if v := os.Getenv("MACHINE_CPU_CORES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.CPUCores = n
		}
	}
	if v := os.Getenv("MACHINE_TOTAL_MEMORY_GB"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			p.TotalMemoryGB = f
		}
	}
	if v := os.Getenv("MACHINE_AVAILABLE_MEMORY_GB"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			p.AvailableMemoryGB = f
			p.ReclaimableMemoryGB = 0
		}
	}
	if v := os.Getenv("MACHINE_GPU"); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			p.GPUAvailable = true
		case "0", "false", "no", "off":
			p.GPUAvailable = false
		}
	}
	return p
}

// capMemory limits the profile to limitGB. Page cache outside the limit
// cannot be reclaimed by this cgroup, so reclaimable is capped too.
func capMemory(p Profile, limitGB float64) Profile {
	p.TotalMemoryGB = min(p.TotalMemoryGB, limitGB)
	p.AvailableMemoryGB = min(p.AvailableMemoryGB, limitGB)
	p.ReclaimableMemoryGB = min(p.ReclaimableMemoryGB, max(limitGB-p.AvailableMemoryGB, 0))
	return p
}

func kbToGB(kb uint64) float64 {
	return float64(kb) * 1024 / bytesPerGB
}

type errMissingField string

func (e errMissingField) Error() string {
	return "meminfo: missing " + string(e)
}
