package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SegmentStats is the occupancy a collector publishes.
type SegmentStats struct {
	Holders    int
	RowsUsed   int
	RowSlots   int
	TablesUsed int
	TableSlots int
}

// StatsProvider is implemented by components that can report segment occupancy
type StatsProvider interface {
	SegmentStats() (SegmentStats, error)
}

// StatsFunc adapts a function to StatsProvider.
type StatsFunc func() (SegmentStats, error)

func (f StatsFunc) SegmentStats() (SegmentStats, error) {
	return f()
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector. Safe to call more than once.
func (mc *MetricsCollector) Stop() {
	mc.once.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	st, err := mc.provider.SegmentStats()
	if err != nil {
		log.Debug().Err(err).Msg("Segment stats unavailable")
		return
	}

	UpdateSegmentStats(st.Holders, st.RowsUsed, st.RowSlots, st.TablesUsed, st.TableSlots)
}
