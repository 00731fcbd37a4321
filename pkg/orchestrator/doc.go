/*
Package orchestrator assembles the subsystems into the operations callers
actually run: deploy an agent, repair one that stopped serving, destroy
one, and the lower-level provisioning steps for tooling that needs them
individually.

Deploy prefers the warm pool. A claimed VM already has its base
environment installed and its public hostname resolved, so the fast path
is a code push and a service restart. When the pool is empty the slow
path provisions a fresh instance end to end: node selection, instance
creation, allocation polling, then the full deployment. A fast-path
failure releases the claim and stops; it does not fall through to the
slow path, because a deployment that failed on a known-good VM will
almost always fail again on a fresh one after several minutes of wasted
provisioning.

Repair reuses an instance that already exists on the marketplace. When
the hosting CRN is still known, allocation is re-polled there directly;
when it is lost, the top-ranked candidates are each asked to start the
instance and the first acceptor becomes the new home. Either way the
instance hash is preserved, which is the entire point: repairing costs a
redeploy, recreating costs a provision.

Every deployment-shaped operation fans its progress out to the in-memory
tracker and the event broker alongside the caller's own sink, so the
admin API shows the same step stream the triggering caller sees.

Errors that outlive a created instance carry its hash (types.Error), so
callers can branch between retry, repair, and start-over without parsing
message text.
*/
package orchestrator
