package pool

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vesselworks/flotilla/pkg/config"
	"github.com/vesselworks/flotilla/pkg/health"
	"github.com/vesselworks/flotilla/pkg/log"
	"github.com/vesselworks/flotilla/pkg/metrics"
	"github.com/vesselworks/flotilla/pkg/types"
)

// provisionConcurrency bounds concurrent warm-VM provisions. Downstream
// nodes are rate-sensitive, and each provision fans out probes plus SSH.
const provisionConcurrency = 2

// Provisioner mints marketplace instances. Implemented by
// provision.Provisioner.
type Provisioner interface {
	CreateInstance(ctx context.Context, name string) (*types.Instance, error)
}

// AllocationWaiter waits for a created instance's network allocation.
// Implemented by provision.Poller.
type AllocationWaiter interface {
	WaitForAllocation(ctx context.Context, instanceHash, crnURL string) (*types.Allocation, error)
}

// Preparer pre-installs the agent environment on a fresh VM. Implemented
// by deployer.Deployer.
type Preparer interface {
	PrepareEnvironment(ctx context.Context, vmIP string, sshPort int) error
}

// Resolver resolves an instance's public hostname. Implemented by
// marketplace.Gateway.
type Resolver interface {
	ResolveSubdomain(ctx context.Context, instanceHash string) (string, error)
	FQDN(subdomain string) string
}

// Destroyer releases marketplace instances. Implemented by
// marketplace.Client.
type Destroyer interface {
	ForgetInstance(ctx context.Context, instanceHash, reason string) error
}

// Prober checks whether a warm VM still answers on its SSH port.
// Implemented over health.TCPChecker; nil disables the cleanup
// liveness sweep.
type Prober interface {
	Probe(ctx context.Context, address string) health.Result
}

// Deps are the collaborators a pool drives to mint and retire warm VMs.
type Deps struct {
	Provisioner Provisioner
	Waiter      AllocationWaiter
	Preparer    Preparer
	Resolver    Resolver
	Destroyer   Destroyer
	Prober      Prober
}

// Pool maintains a supply of pre-provisioned warm VMs so deployments can
// skip the multi-minute provisioning path. All records live in the
// store; the pool process owns them exclusively.
type Pool struct {
	store *Store
	deps  Deps
	cfg   config.PoolConfig

	mu  sync.Mutex // serializes status transitions
	sem *semaphore.Weighted
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool over an open store and runs startup recovery:
// rows claimed by a previous process go back to warm, and provisioning
// rows from an interrupted run are dropped.
func New(store *Store, deps Deps, cfg config.PoolConfig) (*Pool, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		store:  store,
		deps:   deps,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(provisionConcurrency),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	if err := p.recover(); err != nil {
		cancel()
		return nil, err
	}
	return p, nil
}

// WithClock overrides the pool clock.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

// Start launches the replenish and cleanup loops. No-op when the pool is
// disabled in config.
func (p *Pool) Start() {
	logger := log.WithComponent("pool")
	if !p.cfg.Enabled {
		logger.Info().Msg("warm pool disabled")
		return
	}

	p.wg.Add(2)
	go p.replenishLoop()
	go p.cleanupLoop()

	logger.Info().
		Int("min_size", p.cfg.MinSize).
		Int("max_size", p.cfg.MaxSize).
		Msg("warm pool started")
}

// Stop cancels in-flight provisions and waits for the loops to exit.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) replenishLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ReplenishInterval.Std())
	defer ticker.Stop()

	p.replenish()
	for {
		select {
		case <-ticker.C:
			p.replenish()
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) cleanupLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval.Std())
	defer ticker.Stop()

	p.cleanup()
	for {
		select {
		case <-ticker.C:
			p.cleanup()
		case <-p.ctx.Done():
			return
		}
	}
}

// replenish tops the pool up to MinSize warm VMs, never growing past
// MaxSize total. Provisions run concurrently under the semaphore; the
// cycle waits for its whole batch so the next tick sees settled state.
func (p *Pool) replenish() {
	logger := log.WithComponent("pool")

	stats, err := p.Stats()
	if err != nil {
		logger.Error().Err(err).Msg("pool stats failed, skipping replenish")
		return
	}

	deficit := p.cfg.MinSize - stats.Warm - stats.Provisioning
	if room := p.cfg.MaxSize - stats.Total; deficit > room {
		deficit = room
	}
	if deficit <= 0 {
		return
	}

	logger.Info().
		Int("deficit", deficit).
		Int("warm", stats.Warm).
		Int("provisioning", stats.Provisioning).
		Msg("replenishing warm pool")

	var wg sync.WaitGroup
	for i := 0; i < deficit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.sem.Acquire(p.ctx, 1); err != nil {
				return
			}
			defer p.sem.Release(1)
			if err := p.provisionOne(p.ctx); err != nil {
				logger.Error().Err(err).Msg("warm vm provision failed")
			}
		}()
	}
	wg.Wait()
}

// provisionOne mints a single warm VM: placeholder row, instance create,
// allocation wait, public hostname lookup, environment preparation, and
// only then the flip to warm. Any failure leaves the row marked failed
// for the cleanup loop to age out.
func (p *Pool) provisionOne(ctx context.Context) error {
	id := uuid.New().String()
	logger := log.WithVM(id)

	vm := &types.PooledVM{
		ID:           id,
		InstanceHash: types.PlaceholderHash,
		SSHPort:      22,
		Status:       types.VMStatusProvisioning,
		CreatedAt:    p.now(),
	}
	if err := p.store.Put(vm); err != nil {
		return err
	}

	inst, err := p.deps.Provisioner.CreateInstance(ctx, "pool-"+id[:8])
	if err != nil {
		p.markFailed(vm)
		return err
	}
	vm.InstanceHash = inst.InstanceHash
	vm.CRNURL = inst.CRNURL
	if err := p.store.Put(vm); err != nil {
		return err
	}

	alloc, err := p.deps.Waiter.WaitForAllocation(ctx, vm.InstanceHash, vm.CRNURL)
	if err != nil {
		p.markFailed(vm)
		return err
	}
	vm.VMIP = alloc.VMIP
	vm.SSHPort = alloc.SSHPort
	if err := p.store.Put(vm); err != nil {
		return err
	}

	// Resolve the public URL now so a claim never waits on the gateway.
	subdomain, err := p.deps.Resolver.ResolveSubdomain(ctx, vm.InstanceHash)
	if err != nil || subdomain == "" {
		p.markFailed(vm)
		return types.E(types.ErrTransport, err, "could not resolve gateway subdomain for warm vm").
			WithInstance(vm.InstanceHash)
	}
	vm.VMURL = "https://" + p.deps.Resolver.FQDN(subdomain)

	if err := p.deps.Preparer.PrepareEnvironment(ctx, vm.VMIP, vm.SSHPort); err != nil {
		p.markFailed(vm)
		return err
	}

	p.mu.Lock()
	vm.Status = types.VMStatusWarm
	err = p.store.Put(vm)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	logger.Info().
		Str("instance_hash", vm.InstanceHash).
		Str("vm_ip", vm.VMIP).
		Str("vm_url", vm.VMURL).
		Msg("warm vm ready")
	return nil
}

// markFailed flips a row to failed, keeping whatever fields provisioning
// managed to record for diagnosis.
func (p *Pool) markFailed(vm *types.PooledVM) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vm.Status = types.VMStatusFailed
	if err := p.store.Put(vm); err != nil {
		logger := log.WithVM(vm.ID)
		logger.Error().Err(err).Msg("could not mark pool vm failed")
	}
}

// Claim atomically takes the oldest warm VM, or returns nil when none is
// warm. Emptiness is an expected condition, not an error: the caller
// falls back to full provisioning.
func (p *Pool) Claim() (*types.PooledVM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	vms, err := p.store.List()
	if err != nil {
		return nil, err
	}

	var oldest *types.PooledVM
	for _, vm := range vms {
		if vm.Status != types.VMStatusWarm {
			continue
		}
		if oldest == nil || vm.CreatedAt.Before(oldest.CreatedAt) {
			oldest = vm
		}
	}
	if oldest == nil {
		metrics.PoolClaimsTotal.WithLabelValues("miss").Inc()
		logger := log.WithComponent("pool")
		logger.Warn().Msg("pool empty, no warm vms available")
		return nil, nil
	}

	oldest.Status = types.VMStatusClaimed
	oldest.ClaimedAt = p.now()
	if err := p.store.Put(oldest); err != nil {
		return nil, err
	}

	metrics.PoolClaimsTotal.WithLabelValues("hit").Inc()
	logger := log.WithVM(oldest.ID)
	logger.Info().
		Str("instance_hash", oldest.InstanceHash).
		Msg("claimed warm vm")
	return oldest, nil
}

// Release puts a claimed VM back into the warm set. Only valid from
// claimed; anything else is a no-op, which covers the race where cleanup
// already reclaimed the row.
func (p *Pool) Release(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	vm, err := p.store.Get(id)
	if err != nil {
		return err
	}
	if vm.Status != types.VMStatusClaimed {
		logger := log.WithVM(id)
		logger.Debug().
			Str("status", string(vm.Status)).
			Msg("release ignored, vm not claimed")
		return nil
	}

	vm.Status = types.VMStatusWarm
	vm.ClaimedAt = time.Time{}
	vm.AgentID = ""
	if err := p.store.Put(vm); err != nil {
		return err
	}
	logger := log.WithVM(id)
	logger.Info().Msg("released vm back to pool")
	return nil
}

// MarkDeployed records that a claimed VM now runs an agent. vmURL may
// refresh the stored public URL when the deployment resolved a
// different domain.
func (p *Pool) MarkDeployed(id, agentID, vmURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	vm, err := p.store.Get(id)
	if err != nil {
		return err
	}
	vm.Status = types.VMStatusDeployed
	vm.AgentID = agentID
	if vmURL != "" {
		vm.VMURL = vmURL
	}
	if err := p.store.Put(vm); err != nil {
		return err
	}
	logger := log.WithVM(id)
	logger.Info().Str("agent_id", agentID).Msg("pool vm deployed")
	return nil
}

// Remove deletes a pool record. With destroy set the instance behind it
// is forgotten on the marketplace first; destruction failures are logged
// and the row is removed regardless, so bookkeeping never leaks.
func (p *Pool) Remove(ctx context.Context, id string, destroy bool) error {
	p.mu.Lock()
	vm, err := p.store.Get(id)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	if destroy && vm.InstanceHash != "" && vm.InstanceHash != types.PlaceholderHash {
		if err := p.deps.Destroyer.ForgetInstance(ctx, vm.InstanceHash, "pool reclaim"); err != nil {
			logger := log.WithVM(id)
			logger.Warn().Err(err).
				Str("instance_hash", vm.InstanceHash).
				Msg("instance destroy failed, removing row anyway")
		} else {
			logger := log.WithVM(id)
			logger.Info().
				Str("instance_hash", vm.InstanceHash).
				Msg("destroyed pool vm instance")
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Delete(id)
}

// RemoveByInstance clears the pool record for an instance without
// destroying it. Used when the caller already destroyed the instance
// through another path. Unknown hashes are fine.
func (p *Pool) RemoveByInstance(instanceHash string) error {
	if instanceHash == "" || instanceHash == types.PlaceholderHash {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	vms, err := p.store.List()
	if err != nil {
		return err
	}
	for _, vm := range vms {
		if vm.InstanceHash == instanceHash {
			return p.store.Delete(vm.ID)
		}
	}
	return nil
}

// Stats counts pool records by lifecycle status.
func (p *Pool) Stats() (types.PoolStats, error) {
	vms, err := p.store.List()
	if err != nil {
		return types.PoolStats{}, err
	}

	var stats types.PoolStats
	for _, vm := range vms {
		switch vm.Status {
		case types.VMStatusProvisioning:
			stats.Provisioning++
		case types.VMStatusWarm:
			stats.Warm++
		case types.VMStatusClaimed:
			stats.Claimed++
		case types.VMStatusDeployed:
			stats.Deployed++
		case types.VMStatusFailed:
			stats.Failed++
		}
	}
	stats.Total = len(vms)
	return stats, nil
}

// List returns all pool records ordered oldest first.
func (p *Pool) List() ([]*types.PooledVM, error) {
	vms, err := p.store.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(vms, func(i, j int) bool {
		return vms[i].CreatedAt.Before(vms[j].CreatedAt)
	})
	return vms, nil
}

// cleanup ages out stale records: warm VMs past the cost-control age are
// destroyed, failed and orphaned provisioning rows are dropped, and
// claims abandoned mid-deployment go back to warm. With a prober wired,
// warm VMs that stopped answering on their SSH port are failed first so
// the age rules retire them and replenish mints replacements.
func (p *Pool) cleanup() {
	logger := log.WithComponent("pool")

	vms, err := p.store.List()
	if err != nil {
		logger.Error().Err(err).Msg("pool list failed, skipping cleanup")
		return
	}
	now := p.now()

	p.probeWarm(vms)

	for _, vm := range vms {
		switch {
		case vm.Status == types.VMStatusWarm && vm.Age(now) > p.cfg.MaxVMAge.Std():
			logger.Info().
				Str("vm_id", vm.ID).
				Str("instance_hash", vm.InstanceHash).
				Dur("age", vm.Age(now)).
				Msg("retiring aged warm vm")
			if err := p.Remove(p.ctx, vm.ID, true); err != nil {
				logger.Error().Err(err).Str("vm_id", vm.ID).Msg("warm vm removal failed")
			}

		case vm.Status == types.VMStatusFailed && vm.Age(now) > p.cfg.FailedMaxAge.Std():
			if err := p.deleteRow(vm.ID); err != nil {
				logger.Error().Err(err).Str("vm_id", vm.ID).Msg("failed row removal failed")
			}

		case vm.Status == types.VMStatusProvisioning && vm.Age(now) > p.cfg.ProvisioningMaxAge.Std():
			logger.Warn().
				Str("vm_id", vm.ID).
				Msg("dropping provisioning row stuck past its budget")
			if err := p.deleteRow(vm.ID); err != nil {
				logger.Error().Err(err).Str("vm_id", vm.ID).Msg("provisioning row removal failed")
			}

		case vm.Status == types.VMStatusClaimed && now.Sub(vm.ClaimedAt) > p.cfg.ClaimedMaxAge.Std():
			logger.Warn().
				Str("vm_id", vm.ID).
				Str("instance_hash", vm.InstanceHash).
				Msg("releasing vm from abandoned claim")
			if err := p.Release(vm.ID); err != nil {
				logger.Error().Err(err).Str("vm_id", vm.ID).Msg("abandoned claim release failed")
			}
		}
	}
}

func (p *Pool) deleteRow(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Delete(id)
}

// probeWarm checks each warm VM's SSH port and fails rows that no
// longer answer. CRNs reclaim or reboot instances without telling us,
// and a dead VM handed out by Claim costs that deployment its fast
// path.
func (p *Pool) probeWarm(vms []*types.PooledVM) {
	if p.deps.Prober == nil {
		return
	}
	logger := log.WithComponent("pool")

	for _, vm := range vms {
		if vm.Status != types.VMStatusWarm || vm.VMIP == "" {
			continue
		}
		addr := net.JoinHostPort(vm.VMIP, strconv.Itoa(vm.SSHPort))
		res := p.deps.Prober.Probe(p.ctx, addr)
		if res.Healthy {
			continue
		}
		logger.Warn().
			Str("vm_id", vm.ID).
			Str("address", addr).
			Str("reason", res.Message).
			Msg("warm vm unreachable, marking failed")
		if err := p.failIfWarm(vm.ID); err != nil {
			logger.Error().Err(err).Str("vm_id", vm.ID).Msg("could not fail unreachable vm")
		}
	}
}

// failIfWarm flips a row to failed unless its status moved since the
// probe snapshot was taken. A claim racing the probe wins the row.
func (p *Pool) failIfWarm(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	vm, err := p.store.Get(id)
	if err != nil {
		return err
	}
	if vm.Status != types.VMStatusWarm {
		return nil
	}
	vm.Status = types.VMStatusFailed
	return p.store.Put(vm)
}

// recover reconciles the store after a restart. A process death mid
// deployment must not strand a VM as permanently claimed, and
// provisioning rows describe work that no longer exists.
func (p *Pool) recover() error {
	logger := log.WithComponent("pool")

	vms, err := p.store.List()
	if err != nil {
		return err
	}
	for _, vm := range vms {
		switch vm.Status {
		case types.VMStatusClaimed:
			vm.Status = types.VMStatusWarm
			vm.ClaimedAt = time.Time{}
			vm.AgentID = ""
			if err := p.store.Put(vm); err != nil {
				return err
			}
			logger.Info().Str("vm_id", vm.ID).Msg("recovered claimed vm back to warm")
		case types.VMStatusProvisioning:
			if err := p.store.Delete(vm.ID); err != nil {
				return err
			}
			logger.Info().Str("vm_id", vm.ID).Msg("dropped interrupted provisioning row")
		}
	}
	return nil
}
