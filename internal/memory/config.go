package memory

import (
	"math"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"

	"render-export/internal/logging"
)

const (
	// DefaultMemoryRatio is the share of the container limit given to the Go
	// heap. The coordinator only plans and relays messages; renderers and
	// the mux tool need the rest.
	DefaultMemoryRatio = 0.25

	// DefaultCgroupRoot is where cgroup v2 is mounted.
	DefaultCgroupRoot = "/sys/fs/cgroup"
)

// CgroupRoot is read when MEMORY_LIMIT is not set. Tests point it at a
// temporary directory.
var CgroupRoot = DefaultCgroupRoot

// ConfigResult holds the result of memory configuration
type ConfigResult struct {
	// Configured indicates whether GOMEMLIMIT was set
	Configured bool

	// Source is "GOMEMLIMIT", "MEMORY_LIMIT", "cgroup" or "none"
	Source string

	// ContainerLimit is the container memory limit in bytes (0 if unknown).
	// It is also the cap the machine profiler applies to render planning.
	ContainerLimit int64

	// GoMemLimit is the configured GOMEMLIMIT in bytes (0 if not set)
	GoMemLimit int64

	// Ratio is the memory ratio used (0 if not applicable)
	Ratio float64
}

// ConfigureFromEnv discovers the container memory limit and sets GOMEMLIMIT
// from it. Call this early in main() before significant allocations.
//
// Environment variables:
//   - GOMEMLIMIT: If set, the Go limit is left alone (standard Go env var)
//   - MEMORY_LIMIT: Container memory limit in bytes (Kubernetes Downward API)
//   - MEMORY_RATIO: Share of the limit for the Go heap (default: 0.25)
//
// Without MEMORY_LIMIT the cgroup v2 memory.max file is consulted.
func ConfigureFromEnv() ConfigResult {
	result := ConfigResult{Source: "none"}

	limit, source := containerLimit()
	result.ContainerLimit = limit

	if goMemLimitEnv := os.Getenv("GOMEMLIMIT"); goMemLimitEnv != "" {
		if current := debug.SetMemoryLimit(-1); current > 0 && current < math.MaxInt64 {
			result.Configured = true
			result.Source = "GOMEMLIMIT"
			result.GoMemLimit = current
		}
		logging.Info("GOMEMLIMIT set via environment: %s", goMemLimitEnv)
		return result
	}

	if limit <= 0 {
		logging.Debug("No container memory limit found, GOMEMLIMIT will not be configured automatically")
		return result
	}

	ratio := parseRatio(os.Getenv("MEMORY_RATIO"))
	goMemLimit := int64(float64(limit) * ratio)
	debug.SetMemoryLimit(goMemLimit)

	result.Configured = true
	result.Source = source
	result.Ratio = ratio
	result.GoMemLimit = goMemLimit

	logging.Info("Configured GOMEMLIMIT: %s (%.1f%% of %s container limit from %s)",
		FormatBytes(goMemLimit),
		ratio*100,
		FormatBytes(limit),
		source,
	)

	return result
}

// containerLimit returns the limit and where it came from.
func containerLimit() (int64, string) {
	if s := os.Getenv("MEMORY_LIMIT"); s != "" {
		limit, err := strconv.ParseInt(s, 10, 64)
		if err != nil || limit <= 0 {
			logging.Warn("Failed to parse MEMORY_LIMIT %q, ignoring it", s)
			return 0, "none"
		}
		return limit, "MEMORY_LIMIT"
	}

	if limit := readCgroupLimit(CgroupRoot); limit > 0 {
		return limit, "cgroup"
	}
	return 0, "none"
}

// readCgroupLimit reads memory.max. "max" and unreadable files mean no
// limit.
func readCgroupLimit(root string) int64 {
	data, err := os.ReadFile(filepath.Join(root, "memory.max"))
	if err != nil {
		return 0
	}
	s := strings.TrimSpace(string(data))
	if s == "" || s == "max" {
		return 0
	}
	limit, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		logging.Debug("Unexpected memory.max content %q: %v", s, err)
		return 0
	}
	return limit
}

func parseRatio(s string) float64 {
	if s == "" {
		return DefaultMemoryRatio
	}
	ratio, err := strconv.ParseFloat(s, 64)
	if err != nil {
		logging.Warn("Failed to parse MEMORY_RATIO %q: %v, using default %.2f", s, err, DefaultMemoryRatio)
		return DefaultMemoryRatio
	}
	if ratio <= 0 || ratio > 1.0 {
		logging.Warn("MEMORY_RATIO %q out of range (0.0-1.0), using default %.2f", s, DefaultMemoryRatio)
		return DefaultMemoryRatio
	}
	return ratio
}

// FormatBytes formats bytes into human-readable string
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return strconv.FormatInt(b, 10) + " B"
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(b)/float64(div), 'f', 1, 64) + " " + string("KMGTPE"[exp]) + "iB"
}
