/*
Package deployer installs and runs agent services on provisioned VMs
over SSH.

Everything a VM needs lives under one service root, /opt/<service>. The
root doubles as the Python virtualenv; /opt/<service>/app holds the
pushed code and /opt/<service>/workspace the agent's persistent state.
The layout type is the single source of truth for these paths.

Three flows share the same building blocks:

  - PrepareEnvironment runs the slow installs (apt, venv, pip, Caddy) on
    a blank VM ahead of any agent. The pool uses it so claimed VMs can
    take the fast path later.
  - DeployFull takes a VM in any state to a running agent with a public
    https URL, installing dependencies only when the prepared-environment
    sentinel is missing.
  - DeployCodeOnly pushes code and restarts the service on a VM that was
    prepared earlier. It refuses unprepared VMs instead of silently
    booting a broken service.

The agent runs under systemd bound to loopback; Caddy fronts it with
TLS for the resolved subdomain and is the only public listener.

Remote commands split into two classes. Installs and service starts are
checked and fail the deployment with a tagged error (the progress
failure tags name which stage broke). Housekeeping like directory
creation, workspace seeding, and config file writes is best-effort,
because a missed cp on an already-seeded VM is normal and the service
start would surface any real damage anyway.
*/
package deployer
