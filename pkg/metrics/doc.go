/*
Package metrics provides Prometheus metrics collection and exposition for Flotilla.

All metrics live in the global Prometheus DefaultRegistry and are registered at
package init, so importing any flotilla package that records metrics is enough
to make them scrapeable. The admin server mounts Handler() at /metrics.

# Metric Reference

Pool:

	flotilla_pool_vms{status}          Pooled VMs by lifecycle status
	flotilla_pool_claims_total{outcome} Claim attempts (hit = warm VM handed
	                                    out, miss = caller must cold-provision)

Provisioning:

	flotilla_provisions_total{outcome}      Instance provisioning attempts
	flotilla_provision_duration_seconds     Create request to started instance
	flotilla_allocation_wait_seconds        Time polling for a network allocation

Node selection:

	flotilla_candidate_nodes    Viable nodes after the last ranking pass
	flotilla_blacklisted_nodes  Nodes currently excluded from selection

Deployment:

	flotilla_deploys_total{mode,outcome}        Agent deployments (full, code_only)
	flotilla_deploy_duration_seconds{mode}      Deployment duration by mode

Admin API:

	flotilla_api_requests_total{method,status}
	flotilla_api_request_duration_seconds{method}

# Recording Model

Counters and histograms are incremented inline by the package that owns the
event: provision outcomes in provision, claim hits and misses in pool, deploy
outcomes in deployer, request counts in api. State that has to be polled
(pool occupancy, blacklist size) is snapshotted by the Collector on a 15
second ticker:

	collector := metrics.NewCollector(pool, blacklist)
	collector.Start()
	defer collector.Stop()

The Collector takes narrow interfaces rather than concrete types, so tests
can drive it with stubs and callers can omit either source with nil.

# Useful Queries

Pool hit rate over the last hour:

	sum(rate(flotilla_pool_claims_total{outcome="hit"}[1h]))
	  / sum(rate(flotilla_pool_claims_total[1h]))

Provisioning failure ratio:

	rate(flotilla_provisions_total{outcome="failure"}[15m])

p95 full deployment time:

	histogram_quantile(0.95,
	  rate(flotilla_deploy_duration_seconds_bucket{mode="full"}[1h]))
*/
package metrics
