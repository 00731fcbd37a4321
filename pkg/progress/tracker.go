package progress

import (
	"sync"
	"time"

	"github.com/vesselworks/flotilla/pkg/types"
)

// Deployment is the tracked progress of one agent deployment.
type Deployment struct {
	AgentID   string
	Steps     []types.DeploymentStep
	StartedAt time.Time
	UpdatedAt time.Time
	Settled   bool // terminal: the last step finished or some step failed
	Failed    bool
}

// Tracker keeps recent deployment progress in memory so the admin API
// can answer "where is my deployment" after the fact. Entries are
// bounded: settled deployments are evicted after the TTL, and the oldest
// entries are dropped when the capacity is exceeded. Nothing here is
// persisted.
type Tracker struct {
	mu          sync.RWMutex
	deployments map[string]*Deployment
	order       []string // insertion order, oldest first
	ttl         time.Duration
	capacity    int
	now         func() time.Time
}

// NewTracker creates a tracker retaining settled deployments for ttl,
// holding at most capacity deployments overall.
func NewTracker(ttl time.Duration, capacity int) *Tracker {
	return &Tracker{
		deployments: make(map[string]*Deployment),
		ttl:         ttl,
		capacity:    capacity,
		now:         time.Now,
	}
}

// WithClock replaces the time source. Tests use this to control eviction.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// SinkFor starts (or restarts) tracking for the given agent and returns
// the Sink a deployment reports through.
func (t *Tracker) SinkFor(agentID string) Sink {
	t.mu.Lock()
	t.evictLocked()
	if _, exists := t.deployments[agentID]; !exists {
		t.order = append(t.order, agentID)
	}
	t.deployments[agentID] = &Deployment{
		AgentID:   agentID,
		StartedAt: t.now(),
		UpdatedAt: t.now(),
	}
	t.mu.Unlock()

	return SinkFunc(func(step string, status types.StepStatus, detail string) {
		t.update(agentID, step, status, detail)
	})
}

func (t *Tracker) update(agentID, step string, status types.StepStatus, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.deployments[agentID]
	if !ok {
		return
	}

	entry := types.DeploymentStep{Key: step, Status: status, Detail: detail, At: t.now()}
	updated := false
	for i := range d.Steps {
		if d.Steps[i].Key == step {
			d.Steps[i] = entry
			updated = true
			break
		}
	}
	if !updated {
		d.Steps = append(d.Steps, entry)
	}

	d.UpdatedAt = t.now()
	if status == types.StepFailed {
		d.Settled = true
		d.Failed = true
	}
	// The service step is the last one, so its completion settles the
	// deployment.
	if step == StepService && status == types.StepDone {
		d.Settled = true
	}
}

// Get returns a copy of the tracked deployment for the agent.
func (t *Tracker) Get(agentID string) (Deployment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	d, ok := t.deployments[agentID]
	if !ok {
		return Deployment{}, false
	}
	return copyDeployment(d), true
}

// List returns copies of all tracked deployments, oldest first.
func (t *Tracker) List() []Deployment {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Deployment, 0, len(t.order))
	for _, id := range t.order {
		if d, ok := t.deployments[id]; ok {
			out = append(out, copyDeployment(d))
		}
	}
	return out
}

// Len returns the number of tracked deployments.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.deployments)
}

// evictLocked drops settled deployments past the TTL, then enforces the
// capacity bound by dropping the oldest entries. Callers hold the lock.
func (t *Tracker) evictLocked() {
	cutoff := t.now().Add(-t.ttl)

	kept := t.order[:0]
	for _, id := range t.order {
		d, ok := t.deployments[id]
		if !ok {
			continue
		}
		if d.Settled && d.UpdatedAt.Before(cutoff) {
			delete(t.deployments, id)
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept

	for t.capacity > 0 && len(t.order) >= t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.deployments, oldest)
	}
}

func copyDeployment(d *Deployment) Deployment {
	c := *d
	c.Steps = make([]types.DeploymentStep, len(d.Steps))
	copy(c.Steps, d.Steps)
	return c
}
