/*
Package provision creates marketplace instances and waits for them to
come up on a compute node.

Provisioning is a conversation with three parties that only loosely agree
with each other: the API server that accepts instance messages, the
compute node that runs them, and the scheduler that knows where things
landed. The package encodes the ordering that works in practice:

 1. Rank nodes through the directory and probe the top few over HTTP.
    Unreachable nodes are blacklisted immediately; nodes answering with
    a server error are skipped this round but stay eligible.
 2. Publish the instance message pinned to the chosen node.
 3. Poll the API server until the message is visible. Propagation lag is
    normal, so this wait gives up with a warning rather than an error.
 4. Notify the node to start the instance, retrying a fixed number of
    times. A node that never accepts the start is blacklisted, and the
    returned error carries the instance hash: the instance exists on the
    marketplace even though it is not running, and the caller decides
    whether to destroy or re-home it.

The Poller then waits for the started instance to surface a network
allocation, asking the node's execution list first (it knows the real
SSH port mapping) and falling back to the scheduler. Exhausting the
polling budget returns ErrAllocationTimeout.

All retry counts, delays, and timeouts come from config.ProvisionConfig
and config.AllocationConfig, so tests run the same code paths with
millisecond budgets.
*/
package provision
