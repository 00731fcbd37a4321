package progress

import (
	"github.com/vesselworks/flotilla/pkg/types"
)

// Step keys reported through a Sink, in the order a deployment runs them.
const (
	StepSSH         = "ssh"
	StepEnvironment = "environment"
	StepService     = "service"
)

// Failure tags carried on deployment errors, one per way a deployment
// can abort. They are stable strings that callers and operators match
// on, so changing one is a breaking change.
const (
	FailureSSHUnreachable = "ssh_unreachable"
	FailureDepsInstall    = "deps_install_failed"
	FailureCodeTransfer   = "code_transfer_failed"
	FailureServiceStart   = "service_start_failed"
	FailureSubdomain      = "subdomain_unresolved"
	FailureProxyStart     = "proxy_start_failed"
)

// Sink receives step transitions as a deployment runs. Implementations
// must not block: deployments call OnStep inline.
type Sink interface {
	OnStep(step string, status types.StepStatus, detail string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(step string, status types.StepStatus, detail string)

func (f SinkFunc) OnStep(step string, status types.StepStatus, detail string) {
	f(step, status, detail)
}

// Nop returns a sink that discards everything.
func Nop() Sink {
	return SinkFunc(func(string, types.StepStatus, string) {})
}

// Multi fans one sink call out to several sinks. Nil entries are skipped.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(step string, status types.StepStatus, detail string) {
		for _, s := range sinks {
			if s != nil {
				s.OnStep(step, status, detail)
			}
		}
	})
}
