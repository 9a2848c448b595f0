package metrics

import (
	"context"
	"time"

	"github.com/plogd/plogd/internal/cache"
)

// DefragStats is the view of the defragmenter the collector samples.
type DefragStats interface {
	Pending() int
	PendingBytes() int64
	Stats() cache.Stats
}

// PortTracker is the view of the hole detector the collector samples.
type PortTracker interface {
	Ports() int
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Defrag DefragStats
	Holes  PortTracker // nil when hole detection is off
}

// Collector periodically copies state gauges and cache counters into
// Prometheus.
type Collector struct {
	metrics *Metrics
	defrag  DefragStats
	holes   PortTracker

	// Last snapshot for delta calculation
	lastCache cache.Stats
}

// NewCollector creates a new metrics collector.
func NewCollector(m *Metrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics: m,
		defrag:  cfg.Defrag,
		holes:   cfg.Holes,
	}
}

// Collect updates all sampled metrics from the current state.
func (c *Collector) Collect() {
	c.collectDefragStats()
	c.collectHoleStats()
}

func (c *Collector) collectDefragStats() {
	if c.defrag == nil {
		return
	}

	c.metrics.PendingMessages.Set(float64(c.defrag.Pending()))
	c.metrics.PendingBytes.Set(float64(c.defrag.PendingBytes()))

	// Counters only move forward
	s := c.defrag.Stats()
	if s.Hits > c.lastCache.Hits {
		c.metrics.CacheHits.Add(float64(s.Hits - c.lastCache.Hits))
	}
	if s.Misses > c.lastCache.Misses {
		c.metrics.CacheMisses.Add(float64(s.Misses - c.lastCache.Misses))
	}
	if s.Evictions > c.lastCache.Evictions {
		c.metrics.CacheEvictions.Add(float64(s.Evictions - c.lastCache.Evictions))
	}
	c.lastCache = s
}

func (c *Collector) collectHoleStats() {
	if c.holes == nil {
		c.metrics.TrackedPorts.Set(0)
		return
	}
	c.metrics.TrackedPorts.Set(float64(c.holes.Ports()))
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
