package metrics

import (
	"sync"
	"time"

	"render-export/internal/logging"
)

// StatsProvider is implemented by export.Service.
type StatsProvider interface {
	GetStats() Stats
}

// Stats is a snapshot of the export service.
type Stats struct {
	ExportsRunning int
	ExportsTracked int
}

// Collector refreshes the service gauges on a fixed interval. Counters and
// histograms are updated inline by the code that produces them; only
// values that are cheaper to sample than to track go through here.
type Collector struct {
	provider StatsProvider
	interval time.Duration

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a collector. Call Start to begin sampling.
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start samples once immediately and then every interval.
func (c *Collector) Start() {
	go c.run()
}

// Stop ends sampling and waits for the loop to exit. It is safe to call
// more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.stopped
	})
}

func (c *Collector) run() {
	defer close(c.stopped)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.collect()
		select {
		case <-ticker.C:
		case <-c.stop:
			return
		}
	}
}

func (c *Collector) collect() {
	if c.provider == nil {
		return
	}

	stats := c.provider.GetStats()
	ExportsInProgress.Set(float64(stats.ExportsRunning))
	ExportsTracked.Set(float64(stats.ExportsTracked))

	logging.Debug("Export service: %d running, %d tracked", stats.ExportsRunning, stats.ExportsTracked)
}
