package provision

import (
	"context"
	"time"

	"github.com/vesselworks/flotilla/pkg/config"
	"github.com/vesselworks/flotilla/pkg/log"
	"github.com/vesselworks/flotilla/pkg/marketplace"
	"github.com/vesselworks/flotilla/pkg/metrics"
	"github.com/vesselworks/flotilla/pkg/types"
)

// checkTimeout bounds each individual network lookup inside a polling
// attempt so one hung endpoint cannot eat the whole budget.
const checkTimeout = 10 * time.Second

// ErrAllocationTimeout is returned when an instance never reported a
// network allocation within the polling budget. Callers match it with
// errors.Is to decide between retrying and tearing the instance down.
var ErrAllocationTimeout = &types.Error{
	Kind: types.ErrTimeout,
	Msg:  "instance never received a network allocation",
}

// Poller waits for a freshly started instance to surface its IP and SSH
// port. The node's own execution list is authoritative and carries port
// mappings; the scheduler is the fallback for nodes that do not expose
// executions.
type Poller struct {
	client marketplace.Client
	cfg    config.AllocationConfig
}

// NewPoller creates an allocation poller.
func NewPoller(client marketplace.Client, cfg config.AllocationConfig) *Poller {
	return &Poller{client: client, cfg: cfg}
}

// WaitForAllocation polls until the instance has an IP address or the
// retry budget runs out. Every RenotifyEvery attempts the start
// notification is re-sent, since nodes occasionally drop the first one
// on the floor; re-notification failures are logged and ignored.
func (p *Poller) WaitForAllocation(ctx context.Context, instanceHash, crnURL string) (*types.Allocation, error) {
	logger := log.WithInstance(instanceHash)
	crnURL = marketplace.NormalizeURL(crnURL)
	begin := time.Now()

	for attempt := 0; attempt < p.cfg.Retries; attempt++ {
		if attempt > 0 && p.cfg.RenotifyEvery > 0 && attempt%p.cfg.RenotifyEvery == 0 {
			p.renotify(ctx, crnURL, instanceHash)
		}

		if alloc := p.checkOnce(ctx, instanceHash, crnURL); alloc != nil {
			metrics.AllocationWait.Observe(time.Since(begin).Seconds())
			logger.Info().
				Str("vm_ip", alloc.VMIP).
				Int("ssh_port", alloc.SSHPort).
				Dur("took", time.Since(begin)).
				Msg("allocation ready")
			return alloc, nil
		}

		if err := sleep(ctx, p.cfg.Delay.Std()); err != nil {
			return nil, err
		}
	}

	logger.Warn().Int("retries", p.cfg.Retries).Msg("allocation polling exhausted")
	return nil, ErrAllocationTimeout
}

// checkOnce asks the node first, then the scheduler. Returns nil when
// neither source knows the instance's address yet.
func (p *Poller) checkOnce(ctx context.Context, instanceHash, crnURL string) *types.Allocation {
	logger := log.WithInstance(instanceHash)

	execCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	execs, err := p.client.ListExecutions(execCtx, crnURL)
	cancel()
	if err != nil {
		logger.Debug().Err(err).Str("crn_url", crnURL).Msg("execution list unavailable")
	} else if exec, ok := execs[instanceHash]; ok && exec.Networking.HostIPv4 != "" {
		port := 22
		if mapped, ok := exec.Networking.MappedPorts["22"]; ok && mapped.Host > 0 {
			port = mapped.Host
		}
		return &types.Allocation{VMIP: exec.Networking.HostIPv4, SSHPort: port}
	}

	schedCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	alloc, err := p.client.SchedulerAllocation(schedCtx, instanceHash)
	cancel()
	if err != nil {
		logger.Debug().Err(err).Msg("scheduler allocation unavailable")
		return nil
	}
	return alloc
}

func (p *Poller) renotify(ctx context.Context, crnURL, instanceHash string) {
	logger := log.WithInstance(instanceHash)

	nctx, cancel := context.WithTimeout(ctx, p.cfg.RenotifyTimeout.Std())
	defer cancel()

	if err := p.client.NotifyStart(nctx, crnURL, instanceHash); err != nil {
		logger.Warn().Err(err).Msg("start re-notification failed")
		return
	}
	logger.Debug().Msg("re-sent start notification")
}
