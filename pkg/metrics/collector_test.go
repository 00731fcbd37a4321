package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/vesselworks/flotilla/pkg/types"
)

type stubStats struct {
	stats types.PoolStats
	err   error
}

func (s *stubStats) Stats() (types.PoolStats, error) {
	return s.stats, s.err
}

type stubBlacklist struct {
	n int
}

func (s *stubBlacklist) Len() int {
	return s.n
}

// TestCollectorPoolGauges tests that a collect pass snapshots pool stats
func TestCollectorPoolGauges(t *testing.T) {
	src := &stubStats{stats: types.PoolStats{
		Provisioning: 2,
		Warm:         3,
		Claimed:      1,
		Deployed:     4,
		Failed:       0,
		Total:        10,
	}}

	c := NewCollector(src, &stubBlacklist{n: 2})
	c.collect()

	assert.Equal(t, 2.0, testutil.ToFloat64(PoolVMs.WithLabelValues(string(types.VMStatusProvisioning))))
	assert.Equal(t, 3.0, testutil.ToFloat64(PoolVMs.WithLabelValues(string(types.VMStatusWarm))))
	assert.Equal(t, 1.0, testutil.ToFloat64(PoolVMs.WithLabelValues(string(types.VMStatusClaimed))))
	assert.Equal(t, 4.0, testutil.ToFloat64(PoolVMs.WithLabelValues(string(types.VMStatusDeployed))))
	assert.Equal(t, 0.0, testutil.ToFloat64(PoolVMs.WithLabelValues(string(types.VMStatusFailed))))
	assert.Equal(t, 2.0, testutil.ToFloat64(BlacklistedNodes))
}

// TestCollectorDrainedStatusResets tests that statuses emptied between
// passes drop back to zero instead of holding their last value
func TestCollectorDrainedStatusResets(t *testing.T) {
	src := &stubStats{stats: types.PoolStats{Warm: 5}}
	c := NewCollector(src, nil)
	c.collect()

	src.stats = types.PoolStats{Claimed: 5}
	c.collect()

	assert.Equal(t, 0.0, testutil.ToFloat64(PoolVMs.WithLabelValues(string(types.VMStatusWarm))))
	assert.Equal(t, 5.0, testutil.ToFloat64(PoolVMs.WithLabelValues(string(types.VMStatusClaimed))))
}

// TestCollectorStatsError tests that a failing source leaves gauges untouched
func TestCollectorStatsError(t *testing.T) {
	good := &stubStats{stats: types.PoolStats{Warm: 7}}
	c := NewCollector(good, nil)
	c.collect()

	bad := &stubStats{err: errors.New("store closed")}
	c = NewCollector(bad, nil)
	c.collect()

	assert.Equal(t, 7.0, testutil.ToFloat64(PoolVMs.WithLabelValues(string(types.VMStatusWarm))))
}

// TestCollectorNilSources tests that nil sources do not panic
func TestCollectorNilSources(t *testing.T) {
	c := NewCollector(nil, nil)
	c.collect()

	c.Start()
	c.Stop()
}
