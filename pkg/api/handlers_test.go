package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesselworks/flotilla/pkg/blacklist"
	"github.com/vesselworks/flotilla/pkg/progress"
	"github.com/vesselworks/flotilla/pkg/types"
)

func seedPool() *fakePoolView {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &fakePoolView{
		stats: types.PoolStats{Warm: 1, Claimed: 1, Total: 2},
		vms: []*types.PooledVM{
			{
				ID:           "vm-warm",
				InstanceHash: "inst-warm",
				VMIP:         "203.0.113.5",
				VMURL:        "https://warm-box.2n6.me",
				SSHPort:      22,
				Status:       types.VMStatusWarm,
				CreatedAt:    created,
			},
			{
				ID:           "vm-claimed",
				InstanceHash: "inst-claimed",
				VMIP:         "203.0.113.6",
				SSHPort:      22,
				Status:       types.VMStatusClaimed,
				CreatedAt:    created.Add(time.Minute),
				ClaimedAt:    created.Add(2 * time.Hour),
			},
		},
	}
}

func do(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// TestPoolHandler tests the pool listing endpoint
func TestPoolHandler(t *testing.T) {
	s := NewServer("127.0.0.1:0", Deps{Pool: seedPool()})

	w := do(s, http.MethodGet, "/v1/pool")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp PoolResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	assert.Equal(t, 1, resp.Stats.Warm)
	assert.Equal(t, 1, resp.Stats.Claimed)
	assert.Equal(t, 2, resp.Stats.Total)
	require.Len(t, resp.VMs, 2)

	warm := resp.VMs[0]
	assert.Equal(t, "vm-warm", warm.ID)
	assert.Equal(t, "warm", warm.Status)
	assert.Equal(t, "https://warm-box.2n6.me", warm.VMURL)
	assert.Nil(t, warm.ClaimedAt)

	claimed := resp.VMs[1]
	assert.Equal(t, "vm-claimed", claimed.ID)
	require.NotNil(t, claimed.ClaimedAt)
	assert.Equal(t, time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC), claimed.ClaimedAt.UTC())
}

// TestPoolHandlerMethodValidation tests pool endpoint method handling
func TestPoolHandlerMethodValidation(t *testing.T) {
	s := NewServer("127.0.0.1:0", Deps{Pool: seedPool()})

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			w := do(s, method, "/v1/pool")
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

// TestPoolHandlerStoreError tests that a broken store surfaces as a 500
func TestPoolHandlerStoreError(t *testing.T) {
	s := NewServer("127.0.0.1:0", Deps{Pool: &fakePoolView{statsErr: errors.New("database not open")}})

	w := do(s, http.MethodGet, "/v1/pool")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "database not open")
}

// TestPoolReleaseEndpoint tests POST /v1/pool/{id}/release
func TestPoolReleaseEndpoint(t *testing.T) {
	pool := seedPool()
	s := NewServer("127.0.0.1:0", Deps{Pool: pool})

	w := do(s, http.MethodPost, "/v1/pool/vm-claimed/release")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"vm-claimed"}, pool.released)
}

// TestPoolReleaseNotFound tests release of an unknown row
func TestPoolReleaseNotFound(t *testing.T) {
	pool := seedPool()
	pool.releaseErr = errors.New("pool vm not found: nope")
	s := NewServer("127.0.0.1:0", Deps{Pool: pool})

	w := do(s, http.MethodPost, "/v1/pool/nope/release")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestPoolRemoveEndpoint tests DELETE /v1/pool/{id} with and without the
// destroy flag
func TestPoolRemoveEndpoint(t *testing.T) {
	pool := seedPool()
	s := NewServer("127.0.0.1:0", Deps{Pool: pool})

	w := do(s, http.MethodDelete, "/v1/pool/vm-warm?destroy=true")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(s, http.MethodDelete, "/v1/pool/vm-claimed")
	assert.Equal(t, http.StatusNoContent, w.Code)

	require.Len(t, pool.removed, 2)
	assert.Equal(t, removeCall{id: "vm-warm", destroy: true}, pool.removed[0])
	assert.Equal(t, removeCall{id: "vm-claimed", destroy: false}, pool.removed[1])
}

// TestPoolItemBadPaths tests malformed item paths
func TestPoolItemBadPaths(t *testing.T) {
	s := NewServer("127.0.0.1:0", Deps{Pool: seedPool()})

	tests := []struct {
		method         string
		path           string
		expectedStatus int
	}{
		{http.MethodPost, "/v1/pool//release", http.StatusNotFound},
		{http.MethodPost, "/v1/pool/a/b/release", http.StatusNotFound},
		{http.MethodDelete, "/v1/pool/a/b", http.StatusNotFound},
		{http.MethodGet, "/v1/pool/vm-warm/release", http.StatusMethodNotAllowed},
		{http.MethodPost, "/v1/pool/vm-warm/restart", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := do(s, tt.method, tt.path)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

// TestBlacklistEndpoint tests GET /v1/blacklist
func TestBlacklistEndpoint(t *testing.T) {
	expires := time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC)
	s := NewServer("127.0.0.1:0", Deps{Blacklist: &fakeBlacklistView{
		entries: []blacklist.Entry{
			{Endpoint: "https://crn1.example.com", ExpiresAt: expires},
			{Endpoint: "https://crn2.example.com", ExpiresAt: expires},
		},
	}})

	w := do(s, http.MethodGet, "/v1/blacklist")

	require.Equal(t, http.StatusOK, w.Code)
	var resp BlacklistResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, "https://crn1.example.com", resp.Entries[0].Endpoint)
	assert.Equal(t, expires, resp.Entries[0].ExpiresAt.UTC())
}

// TestBlacklistEndpointEmpty tests the empty blacklist shape
func TestBlacklistEndpointEmpty(t *testing.T) {
	s := NewServer("127.0.0.1:0", Deps{Blacklist: &fakeBlacklistView{}})

	w := do(s, http.MethodGet, "/v1/blacklist")

	require.Equal(t, http.StatusOK, w.Code)
	var resp BlacklistResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Zero(t, resp.Count)
	assert.NotNil(t, resp.Entries)
	assert.Empty(t, resp.Entries)
}

// TestDeploymentsEndpoint tests the deployment listing and item lookup
func TestDeploymentsEndpoint(t *testing.T) {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	view := &fakeDeploymentView{deployments: []progress.Deployment{
		{
			AgentID: "agent-1",
			Steps: []types.DeploymentStep{
				{Key: progress.StepSSH, Status: types.StepDone, At: started},
				{Key: progress.StepService, Status: types.StepDone, At: started.Add(time.Minute)},
			},
			StartedAt: started,
			UpdatedAt: started.Add(time.Minute),
			Settled:   true,
		},
	}}
	s := NewServer("127.0.0.1:0", Deps{Deployments: view})

	w := do(s, http.MethodGet, "/v1/deployments")
	require.Equal(t, http.StatusOK, w.Code)
	var list []DeploymentResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "agent-1", list[0].AgentID)
	assert.True(t, list[0].Settled)
	require.Len(t, list[0].Steps, 2)
	assert.Equal(t, "service", list[0].Steps[1].Key)
	assert.Equal(t, "done", list[0].Steps[1].Status)

	w = do(s, http.MethodGet, "/v1/deployments/agent-1")
	require.Equal(t, http.StatusOK, w.Code)
	var one DeploymentResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&one))
	assert.Equal(t, "agent-1", one.AgentID)

	w = do(s, http.MethodGet, "/v1/deployments/agent-unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestEventsStream tests the SSE endpoint end to end against a live broker
func TestEventsStream(t *testing.T) {
	broker := progress.NewBroker()
	broker.Start()
	defer broker.Stop()

	s := NewServer("127.0.0.1:0", Deps{Broker: broker})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(ts.URL + "/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Publish once the handler's subscription is registered.
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	broker.SinkFor("agent-9").OnStep(progress.StepService, types.StepDone, "restarted")

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data: ") {
			data = strings.TrimPrefix(scanner.Text(), "data: ")
			break
		}
	}
	require.NotEmpty(t, data, "no event arrived on the stream")

	var payload eventPayload
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	assert.Equal(t, "agent-9", payload.AgentID)
	assert.Equal(t, "service", payload.Step)
	assert.Equal(t, "done", payload.Status)
	assert.Equal(t, "restarted", payload.Detail)
}

// TestEventsStreamNoBroker tests the unwired endpoint response
func TestEventsStreamNoBroker(t *testing.T) {
	s := NewServer("127.0.0.1:0", Deps{})

	w := do(s, http.MethodGet, "/v1/events")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
