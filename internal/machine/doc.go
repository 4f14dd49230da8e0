/*
Package machine samples the host's rendering capacity and turns it into
encoder and renderer settings.

# Profiling

[SystemProfiler] reads:

  - CPU cores from runtime.GOMAXPROCS(0), which follows container CPU
    limits (runtime.NumCPU would report the host's cores)
  - total, available and reclaimable memory from /proc/meminfo
  - coarse GPU availability from render nodes, nvidia-smi, or the platform

Profiling never fails. When a query errors the profiler falls back to
[ConservativeProfile], which assumes one core and memory pressure, so the
allocator downstream sizes everything for the worst case.

# Effective memory

Operating systems report page cache and slab caches as used even though
they are reclaimed on demand. [EffectiveMemoryGB] adds back half of that
reclaimable memory, but never more than a quarter on top of what is
reported as available.

# Overrides

MACHINE_CPU_CORES, MACHINE_TOTAL_MEMORY_GB, MACHINE_AVAILABLE_MEMORY_GB and
MACHINE_GPU replace the sampled values. They are meant for reproducing a
customer's machine locally.
*/
package machine
