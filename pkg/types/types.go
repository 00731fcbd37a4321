package types

import (
	"time"
)

// ResourceNode represents one compute resource node (CRN) advertised by
// the marketplace directory, reduced to the fields selection scores on.
type ResourceNode struct {
	Hash       string  // Node identity on the marketplace
	Name       string
	URL        string  // Base API endpoint, no trailing slash
	Score      float64 // Marketplace-reported reputation, 0..1
	Composite  float64 // Locally computed selection score
	MemAvailGB float64
}

// Instance represents a created VM on the marketplace. The hash is the
// durable handle: it survives CRN loss and is what destroy and repair
// operate on.
type Instance struct {
	InstanceHash string
	CRNURL       string
	VMIP         string
	SSHPort      int
}

// Allocation represents the network placement discovered for an instance
// once the hosting node (or the fallback scheduler) reports it running.
type Allocation struct {
	VMIP    string
	SSHPort int
}

// VMStatus represents the lifecycle state of a pooled VM
type VMStatus string

const (
	VMStatusProvisioning VMStatus = "provisioning"
	VMStatusWarm         VMStatus = "warm"
	VMStatusClaimed      VMStatus = "claimed"
	VMStatusDeployed     VMStatus = "deployed"
	VMStatusFailed       VMStatus = "failed"
)

// PlaceholderHash marks a pool record whose instance has not been created
// yet. Uniqueness checks skip it; the real instance hash replaces it as
// soon as provisioning yields one.
const PlaceholderHash = "pending"

// PooledVM represents the persisted record of one VM owned by the warm pool
type PooledVM struct {
	ID           string
	InstanceHash string
	VMIP         string
	VMURL        string // Public base URL once known
	CRNURL       string
	SSHPort      int
	Status       VMStatus
	CreatedAt    time.Time
	ClaimedAt    time.Time // Zero unless Status is or was claimed
	AgentID      string    // Set when deployed
}

// Age reports how long ago the VM was created.
func (v *PooledVM) Age(now time.Time) time.Duration {
	return now.Sub(v.CreatedAt)
}

// Instance converts the pool record to an instance handle.
func (v *PooledVM) Instance() Instance {
	return Instance{
		InstanceHash: v.InstanceHash,
		CRNURL:       v.CRNURL,
		VMIP:         v.VMIP,
		SSHPort:      v.SSHPort,
	}
}

// PoolStats summarizes pool occupancy by lifecycle state
type PoolStats struct {
	Provisioning int
	Warm         int
	Claimed      int
	Deployed     int
	Failed       int
	Total        int
}

// DeployConfig carries everything the deployer writes onto a VM for one
// workload. Values from Env are never interpolated into shell commands.
type DeployConfig struct {
	AgentID     string
	ServiceName string            // systemd unit and /opt directory name
	SourceDir   string            // Local tree shipped to the VM
	Env         map[string]string // Written to the remote env file
	Extras      map[string][]byte // Extra payload files, workspace-relative paths
	ListenPort  int               // Workload port the TLS gateway proxies to
	FQDN        string            // Public name; resolved via gateway when empty
}

// StepStatus represents the reported state of one deployment step
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

// DeploymentStep is one progress entry surfaced to watchers. Ephemeral:
// kept in memory only, never persisted.
type DeploymentStep struct {
	Key    string
	Status StepStatus
	Detail string
	At     time.Time
}
