/*
Package health provides the probes Flotilla points at external targets:
marketplace nodes, freshly booted VMs, and deployed workloads.

Three checkers implement the Checker interface:

  - HTTPChecker: GET against an endpoint with a configurable acceptable
    status range. Node probes and deployed-endpoint verification accept
    200-499, since any non-5xx response proves something is answering.
  - TCPChecker: plain connect. The warm pool sweeps its idle VMs with
    this, where running a full SSH handshake is overkill.
  - SSHChecker: dials a fresh SSH connection and runs a trivial command.
    Boot readiness loops call this repeatedly; each attempt dials a new
    connection because sshd restarts during first boot.

Checkers are built with With* modifiers:

	checker := health.NewHTTPChecker(node.URL).
		WithStatusRange(200, 499).
		WithTimeout(10 * time.Second)
	if checker.Check(ctx).Healthy {
		// node is reachable
	}

Checks never return errors; the Result carries healthy/unhealthy plus a
human-readable message, so retry loops stay trivial.
*/
package health
