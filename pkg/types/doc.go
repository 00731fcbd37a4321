/*
Package types defines the core data structures used throughout Flotilla.

This package contains the domain model shared by all other packages:
marketplace resource nodes, instances and allocations, pooled VM records
with their lifecycle states, deployment configuration, and the structured
error type every orchestration boundary returns.

# Core Types

Marketplace:
  - ResourceNode: One CRN with reputation and telemetry-derived scores
  - Instance: A created VM keyed by its durable marketplace hash
  - Allocation: Discovered IP and SSH port for a running instance

Warm pool:
  - PooledVM: Persisted pool record
  - VMStatus: provisioning, warm, claimed, deployed, failed
  - PoolStats: Occupancy counts by status

Deployment:
  - DeployConfig: Everything written onto a VM for one workload
  - DeploymentStep / StepStatus: Ephemeral progress entries

# Errors

Error carries an ErrorKind (transport, capacity, timeout, remote_exec,
data_integrity, config), an optional failing step tag, and, when a
created instance survived the failure, its hash. Callers branch with
errors.As rather than string matching:

	if types.IsKind(err, types.ErrTimeout) {
		// retry later
	}
	if hash := types.InstanceHashFrom(err); hash != "" {
		// instance exists: repair instead of re-create
	}

# Lifecycle Invariants

PooledVM records obey a one-way lifecycle: provisioning -> warm ->
claimed -> deployed, with failed reachable from provisioning and release
moving claimed back to warm. A claimed record has ClaimedAt set and no
AgentID; a deployed record has AgentID set. At most one non-failed
record exists per real instance hash; the "pending" placeholder is
exempt until provisioning fills in the real hash.
*/
package types
