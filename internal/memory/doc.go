// Package memory discovers the container memory limit and configures the
// Go runtime from it.
//
// Go reads cgroup CPU quotas for GOMAXPROCS but never sets GOMEMLIMIT on
// its own. [ConfigureFromEnv] finds the limit (MEMORY_LIMIT from the
// Kubernetes Downward API, else cgroup v2 memory.max), gives the Go heap
// MEMORY_RATIO of it, and reports the limit so the machine profiler can cap
// the memory it offers to render workers:
//
//	mem := memory.ConfigureFromEnv()
//	profiler := machine.NewSystemProfiler()
//	profiler.MemoryLimitBytes = mem.ContainerLimit
//
// GOMEMLIMIT, when set, is left untouched. The default ratio is low
// because rendering happens in child processes whose memory counts against
// the same limit.
//
// Example Downward API configuration:
//
//	env:
//	- name: MEMORY_LIMIT
//	  valueFrom:
//	    resourceFieldRef:
//	      resource: limits.memory
package memory
