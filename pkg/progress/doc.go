/*
Package progress carries deployment step reporting from the deployer to
whoever is watching.

A deployment reports through a Sink, a single OnStep call per
transition of the ssh, environment, and service steps.
Three implementations cover the consumers:

  - Nop, for callers that do not care
  - Broker, a publish/subscribe fan-out for live watchers (the admin
    API's event stream)
  - Tracker, a bounded in-memory record so "where is my deployment"
    can be answered after the fact

Multi composes them, which is how a deployment feeds the broker and the
tracker at once. Sinks are called inline from the deployment goroutine,
so implementations must return quickly; the Broker drops events to slow
subscribers rather than stall a deployment.

The package also owns the failure tags attached to deployment errors
(ssh_unreachable, deps_install_failed, and friends). Operators grep for
them, so they are part of the compatibility surface.
*/
package progress
