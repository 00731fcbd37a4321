package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vesselworks/flotilla/pkg/progress"
	"github.com/vesselworks/flotilla/pkg/types"
)

// PoolResponse is the admin view of the warm pool.
type PoolResponse struct {
	Stats PoolStatsResponse `json:"stats"`
	VMs   []VMResponse      `json:"vms"`
}

// PoolStatsResponse counts pool VMs by lifecycle status.
type PoolStatsResponse struct {
	Provisioning int `json:"provisioning"`
	Warm         int `json:"warm"`
	Claimed      int `json:"claimed"`
	Deployed     int `json:"deployed"`
	Failed       int `json:"failed"`
	Total        int `json:"total"`
}

// VMResponse is one pool row.
type VMResponse struct {
	ID           string     `json:"id"`
	InstanceHash string     `json:"instance_hash"`
	VMIP         string     `json:"vm_ip,omitempty"`
	VMURL        string     `json:"vm_url,omitempty"`
	CRNURL       string     `json:"crn_url,omitempty"`
	SSHPort      int        `json:"ssh_port"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	AgentID      string     `json:"agent_id,omitempty"`
}

// BlacklistResponse lists currently blacklisted node endpoints.
type BlacklistResponse struct {
	Count   int                      `json:"count"`
	Entries []BlacklistEntryResponse `json:"entries"`
}

// BlacklistEntryResponse is one blacklisted endpoint.
type BlacklistEntryResponse struct {
	Endpoint  string    `json:"endpoint"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DeploymentResponse is the tracked progress of one deployment.
type DeploymentResponse struct {
	AgentID   string         `json:"agent_id"`
	Steps     []StepResponse `json:"steps"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Settled   bool           `json:"settled"`
	Failed    bool           `json:"failed"`
}

// StepResponse is one reported deployment step.
type StepResponse struct {
	Key    string    `json:"key"`
	Status string    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// poolHandler implements GET /v1/pool: stats plus every row, oldest first.
func (s *Server) poolHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Pool == nil {
		http.Error(w, "pool not initialized", http.StatusServiceUnavailable)
		return
	}

	stats, err := s.deps.Pool.Stats()
	if err != nil {
		http.Error(w, fmt.Sprintf("pool stats: %v", err), http.StatusInternalServerError)
		return
	}
	vms, err := s.deps.Pool.List()
	if err != nil {
		http.Error(w, fmt.Sprintf("pool list: %v", err), http.StatusInternalServerError)
		return
	}

	resp := PoolResponse{
		Stats: PoolStatsResponse{
			Provisioning: stats.Provisioning,
			Warm:         stats.Warm,
			Claimed:      stats.Claimed,
			Deployed:     stats.Deployed,
			Failed:       stats.Failed,
			Total:        stats.Total,
		},
		VMs: make([]VMResponse, 0, len(vms)),
	}
	for _, vm := range vms {
		resp.VMs = append(resp.VMs, vmResponse(vm))
	}
	writeJSON(w, http.StatusOK, resp)
}

// poolItemHandler routes /v1/pool/{id}/release (POST) and /v1/pool/{id}
// (DELETE, ?destroy=true to also forget the instance).
func (s *Server) poolItemHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pool == nil {
		http.Error(w, "pool not initialized", http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/pool/")

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(rest, "/release"):
		id := strings.TrimSuffix(rest, "/release")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		if err := s.deps.Pool.Release(id); err != nil {
			writePoolError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodDelete:
		if rest == "" || strings.Contains(rest, "/") {
			http.NotFound(w, r)
			return
		}
		destroy := r.URL.Query().Get("destroy") == "true" || r.URL.Query().Get("destroy") == "1"
		if err := s.deps.Pool.Remove(r.Context(), rest, destroy); err != nil {
			writePoolError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writePoolError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if strings.Contains(err.Error(), "not found") {
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}

// blacklistHandler implements GET /v1/blacklist.
func (s *Server) blacklistHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Blacklist == nil {
		http.Error(w, "blacklist not initialized", http.StatusServiceUnavailable)
		return
	}

	entries := s.deps.Blacklist.Snapshot()
	resp := BlacklistResponse{
		Count:   len(entries),
		Entries: make([]BlacklistEntryResponse, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, BlacklistEntryResponse{
			Endpoint:  e.Endpoint,
			ExpiresAt: e.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// deploymentsHandler implements GET /v1/deployments.
func (s *Server) deploymentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Deployments == nil {
		http.Error(w, "deployment tracking not initialized", http.StatusServiceUnavailable)
		return
	}

	deps := s.deps.Deployments.List()
	out := make([]DeploymentResponse, 0, len(deps))
	for _, d := range deps {
		out = append(out, deploymentResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// deploymentItemHandler implements GET /v1/deployments/{agent}.
func (s *Server) deploymentItemHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Deployments == nil {
		http.Error(w, "deployment tracking not initialized", http.StatusServiceUnavailable)
		return
	}

	agentID := strings.TrimPrefix(r.URL.Path, "/v1/deployments/")
	if agentID == "" || strings.Contains(agentID, "/") {
		http.NotFound(w, r)
		return
	}
	d, ok := s.deps.Deployments.Get(agentID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, deploymentResponse(d))
}

// eventPayload is the SSE wire form of one progress event.
type eventPayload struct {
	AgentID   string    `json:"agent_id"`
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// eventsHandler implements GET /v1/events: a server-sent-events stream of
// deployment progress, one JSON event per message, until the client
// disconnects or the server shuts down.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Broker == nil {
		http.Error(w, "event streaming not initialized", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.deps.Broker.Subscribe()
	defer s.deps.Broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(eventPayload{
				AgentID:   ev.AgentID,
				Step:      ev.Step,
				Status:    string(ev.Status),
				Detail:    ev.Detail,
				Timestamp: ev.Timestamp,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func vmResponse(vm *types.PooledVM) VMResponse {
	out := VMResponse{
		ID:           vm.ID,
		InstanceHash: vm.InstanceHash,
		VMIP:         vm.VMIP,
		VMURL:        vm.VMURL,
		CRNURL:       vm.CRNURL,
		SSHPort:      vm.SSHPort,
		Status:       string(vm.Status),
		CreatedAt:    vm.CreatedAt,
		AgentID:      vm.AgentID,
	}
	if !vm.ClaimedAt.IsZero() {
		claimed := vm.ClaimedAt
		out.ClaimedAt = &claimed
	}
	return out
}

func deploymentResponse(d progress.Deployment) DeploymentResponse {
	out := DeploymentResponse{
		AgentID:   d.AgentID,
		Steps:     make([]StepResponse, 0, len(d.Steps)),
		StartedAt: d.StartedAt,
		UpdatedAt: d.UpdatedAt,
		Settled:   d.Settled,
		Failed:    d.Failed,
	}
	for _, st := range d.Steps {
		out.Steps = append(out.Steps, StepResponse{
			Key:    st.Key,
			Status: string(st.Status),
			Detail: st.Detail,
			At:     st.At,
		})
	}
	return out
}
