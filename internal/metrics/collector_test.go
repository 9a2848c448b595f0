package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/plogd/plogd/internal/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock implementations for testing

type mockDefrag struct {
	mu      sync.Mutex
	pending int
	bytes   int64
	stats   cache.Stats
}

func (m *mockDefrag) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

func (m *mockDefrag) PendingBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

func (m *mockDefrag) Stats() cache.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *mockDefrag) SetStats(s cache.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = s
}

type mockPorts struct{ n int }

func (m *mockPorts) Ports() int { return m.n }

func freshRegistry(t *testing.T) {
	t.Helper()
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = oldRegistry })

	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func gatherValue(t *testing.T, name string) float64 {
	t.Helper()
	mfs, err := Registry.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		metric := mf.GetMetric()[0]
		if metric.GetCounter() != nil {
			return metric.GetCounter().GetValue()
		}
		return metric.GetGauge().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestCollector_CollectDefragStats(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("0.0.0.0:23456", "1.0.0")

	defrag := &mockDefrag{
		pending: 3,
		bytes:   4096,
		stats:   cache.Stats{Hits: 10, Misses: 4, Evictions: 1},
	}
	c := NewCollector(m, CollectorConfig{Defrag: defrag, Holes: &mockPorts{n: 7}})
	c.Collect()

	assert.Equal(t, float64(3), gatherValue(t, "plogd_defrag_pending_messages"))
	assert.Equal(t, float64(4096), gatherValue(t, "plogd_defrag_pending_bytes"))
	assert.Equal(t, float64(10), gatherValue(t, "plogd_defrag_cache_hits_total"))
	assert.Equal(t, float64(4), gatherValue(t, "plogd_defrag_cache_misses_total"))
	assert.Equal(t, float64(1), gatherValue(t, "plogd_defrag_cache_evictions_total"))
	assert.Equal(t, float64(7), gatherValue(t, "plogd_holes_tracked_ports"))
}

func TestCollector_DeltaCalculation(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("0.0.0.0:23456", "1.0.0")

	defrag := &mockDefrag{stats: cache.Stats{Hits: 100}}
	c := NewCollector(m, CollectorConfig{Defrag: defrag})

	c.Collect()
	assert.Equal(t, float64(100), gatherValue(t, "plogd_defrag_cache_hits_total"))

	defrag.SetStats(cache.Stats{Hits: 150})
	c.Collect()
	assert.Equal(t, float64(150), gatherValue(t, "plogd_defrag_cache_hits_total"))

	// a restarted source must not make the counter go backwards
	defrag.SetStats(cache.Stats{Hits: 20})
	c.Collect()
	assert.Equal(t, float64(150), gatherValue(t, "plogd_defrag_cache_hits_total"))
}

func TestCollector_NilComponents(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("0.0.0.0:23456", "1.0.0")

	c := NewCollector(m, CollectorConfig{})
	assert.NotPanics(t, c.Collect)
	assert.Equal(t, float64(0), gatherValue(t, "plogd_holes_tracked_ports"))
}

func TestCollector_Run(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("0.0.0.0:23456", "1.0.0")

	defrag := &mockDefrag{stats: cache.Stats{Misses: 10}}
	c := NewCollector(m, CollectorConfig{Defrag: defrag})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 20*time.Millisecond)
		close(done)
	}()

	defrag.SetStats(cache.Stats{Misses: 30})
	assert.Eventually(t, func() bool {
		return gatherValue(t, "plogd_defrag_cache_misses_total") == 30
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
