package metrics

import (
	"time"

	"github.com/vesselworks/flotilla/pkg/types"
)

// StatsSource reports pool occupancy. Implemented by pool.Pool.
type StatsSource interface {
	Stats() (types.PoolStats, error)
}

// BlacklistSource reports the current blacklist size. Implemented by
// blacklist.Blacklist.
type BlacklistSource interface {
	Len() int
}

// Collector periodically snapshots pool and blacklist state into gauges.
// Counter and histogram metrics are updated inline by the packages that
// own the events; only state that has to be polled lives here.
type Collector struct {
	pool      StatsSource
	blacklist BlacklistSource
	stopCh    chan struct{}
}

// NewCollector creates a new metrics collector. Either source may be nil,
// in which case its gauges are left untouched.
func NewCollector(pool StatsSource, bl BlacklistSource) *Collector {
	return &Collector{
		pool:      pool,
		blacklist: bl,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
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

func (c *Collector) collect() {
	c.collectPoolMetrics()
	c.collectBlacklistMetrics()
}

func (c *Collector) collectPoolMetrics() {
	if c.pool == nil {
		return
	}

	stats, err := c.pool.Stats()
	if err != nil {
		return
	}

	// Set every status explicitly so gauges for drained statuses drop to zero.
	PoolVMs.WithLabelValues(string(types.VMStatusProvisioning)).Set(float64(stats.Provisioning))
	PoolVMs.WithLabelValues(string(types.VMStatusWarm)).Set(float64(stats.Warm))
	PoolVMs.WithLabelValues(string(types.VMStatusClaimed)).Set(float64(stats.Claimed))
	PoolVMs.WithLabelValues(string(types.VMStatusDeployed)).Set(float64(stats.Deployed))
	PoolVMs.WithLabelValues(string(types.VMStatusFailed)).Set(float64(stats.Failed))
}

func (c *Collector) collectBlacklistMetrics() {
	if c.blacklist == nil {
		return
	}

	BlacklistedNodes.Set(float64(c.blacklist.Len()))
}
