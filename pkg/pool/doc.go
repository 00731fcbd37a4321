/*
Package pool maintains a standing supply of pre-provisioned warm VMs.

Full provisioning takes minutes: node selection, instance creation,
allocation polling, then apt and pip on a cold VM. The pool pays that
cost ahead of demand so a deployment can claim a finished VM and only
push code, which takes seconds.

# Lifecycle

	provisioning ──► warm ──► claimed ──► deployed
	      │                     │
	      ▼                     ▼ (release, abandoned claim, restart)
	   failed                 warm

Records persist in a bbolt store, the only durable state this process
owns. The replenish loop keeps MinSize VMs warm (never exceeding
MaxSize total, with at most two provisions in flight), and the cleanup
loop ages records out: warm VMs past the cost-control age are destroyed,
failed and stuck-provisioning rows are dropped, and claims abandoned
mid-deployment return to warm. Each cleanup pass also probes warm VMs
on their SSH port and fails the ones that stopped answering, since CRNs
reclaim instances without notice. On startup the store is reconciled:
claimed rows from a dead process go back to warm and interrupted
provisioning rows are deleted.

Claim returns nil when nothing is warm. That is the expected miss case,
not an error; callers fall back to full provisioning.
*/
package pool
