package metrics

import (
	"time"
)

// Source is implemented by components that expose point-in-time gauges.
// The collector polls it so the components do not have to keep gauges
// up to date on every mutation.
type Source interface {
	// JobCounts returns the number of jobs per state.
	JobCounts() map[string]int
	// JournalLength returns the number of pending HA journal entries.
	JournalLength() int
	// CacheSizes returns the number of entries per cache kind.
	CacheSizes() map[string]int
}

// Collector collects gauges from a Source
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples the source once.
func (c *Collector) Collect() {
	for state, n := range c.source.JobCounts() {
		JobsTotal.WithLabelValues(state).Set(float64(n))
	}

	JournalLength.Set(float64(c.source.JournalLength()))

	for kind, n := range c.source.CacheSizes() {
		CacheEntries.WithLabelValues(kind).Set(float64(n))
	}
}
