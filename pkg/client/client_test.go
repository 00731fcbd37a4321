package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesselworks/flotilla/pkg/api"
	"github.com/vesselworks/flotilla/pkg/blacklist"
	"github.com/vesselworks/flotilla/pkg/progress"
	"github.com/vesselworks/flotilla/pkg/types"
)

type fakePool struct {
	stats      types.PoolStats
	vms        []*types.PooledVM
	released   []string
	releaseErr error
	removed    []string
	destroys   []bool
}

func (f *fakePool) Stats() (types.PoolStats, error)  { return f.stats, nil }
func (f *fakePool) List() ([]*types.PooledVM, error) { return f.vms, nil }

func (f *fakePool) Release(id string) error {
	f.released = append(f.released, id)
	return f.releaseErr
}

func (f *fakePool) Remove(ctx context.Context, id string, destroy bool) error {
	f.removed = append(f.removed, id)
	f.destroys = append(f.destroys, destroy)
	return nil
}

type fakeBlacklist struct {
	entries []blacklist.Entry
}

func (f *fakeBlacklist) Snapshot() []blacklist.Entry { return f.entries }

type fakeDeployments struct {
	deployments []progress.Deployment
}

func (f *fakeDeployments) List() []progress.Deployment { return f.deployments }

func (f *fakeDeployments) Get(agentID string) (progress.Deployment, bool) {
	for _, d := range f.deployments {
		if d.AgentID == agentID {
			return d, true
		}
	}
	return progress.Deployment{}, false
}

type available bool

func (a available) Available() bool { return bool(a) }

// newTestPair spins up a real admin server over the fakes and a client
// pointed at it.
func newTestPair(t *testing.T, deps api.Deps) *Client {
	t.Helper()
	srv := api.NewServer("127.0.0.1:0", deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

// TestHealthRoundTrip tests liveness through a real server
func TestHealthRoundTrip(t *testing.T) {
	c := newTestPair(t, api.Deps{Version: "0.9.0"})

	h, err := c.Health(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "0.9.0", h.Version)
}

// TestReadyRoundTrip tests that a not-ready server still yields the report
func TestReadyRoundTrip(t *testing.T) {
	c := newTestPair(t, api.Deps{})

	r, err := c.Ready(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "not ready", r.Status)
	assert.Contains(t, r.Checks["pool_store"], "not initialized")
}

// TestReadyHealthyRoundTrip tests the ready report of a fully wired server
func TestReadyHealthyRoundTrip(t *testing.T) {
	c := newTestPair(t, api.Deps{Pool: &fakePool{}, Marketplace: available(true)})

	r, err := c.Ready(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "ready", r.Status)
}

// TestPoolStatusRoundTrip tests pool stats and rows through a real server
func TestPoolStatusRoundTrip(t *testing.T) {
	pool := &fakePool{
		stats: types.PoolStats{Warm: 2, Total: 2},
		vms: []*types.PooledVM{
			{
				ID:           "vm-1",
				InstanceHash: "inst-1",
				VMURL:        "https://warm-box.2n6.me",
				SSHPort:      22,
				Status:       types.VMStatusWarm,
				CreatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			},
		},
	}
	c := newTestPair(t, api.Deps{Pool: pool})

	got, err := c.PoolStatus(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, got.Stats.Warm)
	require.Len(t, got.VMs, 1)
	assert.Equal(t, "vm-1", got.VMs[0].ID)
	assert.Equal(t, "warm", got.VMs[0].Status)
}

// TestReleaseVM tests the release call and its error mapping
func TestReleaseVM(t *testing.T) {
	pool := &fakePool{}
	c := newTestPair(t, api.Deps{Pool: pool})

	require.NoError(t, c.ReleaseVM(context.Background(), "vm-1"))
	assert.Equal(t, []string{"vm-1"}, pool.released)

	pool.releaseErr = errors.New("pool vm not found: vm-9")
	err := c.ReleaseVM(context.Background(), "vm-9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

// TestRemoveVM tests the remove call with the destroy flag
func TestRemoveVM(t *testing.T) {
	pool := &fakePool{}
	c := newTestPair(t, api.Deps{Pool: pool})

	require.NoError(t, c.RemoveVM(context.Background(), "vm-1", true))
	require.NoError(t, c.RemoveVM(context.Background(), "vm-2", false))

	assert.Equal(t, []string{"vm-1", "vm-2"}, pool.removed)
	assert.Equal(t, []bool{true, false}, pool.destroys)
}

// TestBlacklistRoundTrip tests the blacklist view
func TestBlacklistRoundTrip(t *testing.T) {
	c := newTestPair(t, api.Deps{Blacklist: &fakeBlacklist{
		entries: []blacklist.Entry{
			{Endpoint: "https://crn1.example.com", ExpiresAt: time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC)},
		},
	}})

	got, err := c.Blacklist(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, got.Count)
	require.Len(t, got.Entries, 1)
	assert.Equal(t, "https://crn1.example.com", got.Entries[0].Endpoint)
}

// TestDeploymentsRoundTrip tests listing and single lookup
func TestDeploymentsRoundTrip(t *testing.T) {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := newTestPair(t, api.Deps{Deployments: &fakeDeployments{
		deployments: []progress.Deployment{
			{
				AgentID:   "agent-1",
				Steps:     []types.DeploymentStep{{Key: progress.StepService, Status: types.StepDone, At: started}},
				StartedAt: started,
				UpdatedAt: started,
				Settled:   true,
			},
		},
	}})

	list, err := c.Deployments(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "agent-1", list[0].AgentID)

	one, err := c.Deployment(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, one.Settled)

	_, err = c.Deployment(context.Background(), "agent-unknown")
	require.Error(t, err)
}

// TestUnreachableServer tests the transport error path
func TestUnreachableServer(t *testing.T) {
	ts := httptest.NewServer(nil)
	addr := ts.URL
	ts.Close()

	c := New(addr)
	_, err := c.Health(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}
