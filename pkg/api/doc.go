/*
Package api implements the local admin HTTP server.

The admin server is an operator surface, not a public one: it binds to a
local or private address and answers the questions a person debugging the
orchestrator asks first. Is the process alive, is the pool store healthy,
what is in the pool, which nodes are benched, and where did that
deployment get stuck.

# Endpoints

Probes and metrics:
  - GET /health: liveness; 200 whenever the process runs
  - GET /ready: readiness; 503 until the pool store answers
  - GET /metrics: prometheus registry

Pool:
  - GET /v1/pool: stats by status plus every row, oldest first
  - POST /v1/pool/{id}/release: return a claimed VM to warm
  - DELETE /v1/pool/{id}: drop a row; ?destroy=true also forgets the
    marketplace instance

Nodes and deployments:
  - GET /v1/blacklist: currently benched node endpoints with expiry
  - GET /v1/deployments: tracked deployment progress, recent first
  - GET /v1/deployments/{agent}: one deployment's step history
  - GET /v1/events: server-sent-events stream of live progress

# Wiring

NewServer takes narrow views (PoolView, BlacklistView, DeploymentView)
rather than the orchestrator itself, so tests run against fakes and the
server cannot reach write paths it has no business touching. Nil views
degrade their endpoints to 503 instead of panicking; /health stays up
regardless, which is what a liveness probe is for.

Every non-streaming endpoint is counted and timed under its route name
in the prometheus registry.
*/
package api
