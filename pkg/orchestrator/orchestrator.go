package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vesselworks/flotilla/pkg/blacklist"
	"github.com/vesselworks/flotilla/pkg/config"
	"github.com/vesselworks/flotilla/pkg/deployer"
	"github.com/vesselworks/flotilla/pkg/directory"
	"github.com/vesselworks/flotilla/pkg/health"
	"github.com/vesselworks/flotilla/pkg/log"
	"github.com/vesselworks/flotilla/pkg/marketplace"
	"github.com/vesselworks/flotilla/pkg/metrics"
	"github.com/vesselworks/flotilla/pkg/pool"
	"github.com/vesselworks/flotilla/pkg/progress"
	"github.com/vesselworks/flotilla/pkg/provision"
	"github.com/vesselworks/flotilla/pkg/sshexec"
	"github.com/vesselworks/flotilla/pkg/types"
)

// Repair tuning. A lost CRN is re-adopted by asking up to repairStartLimit
// candidates to start the instance; allocation is then re-polled on a short
// budget since a restarted VM usually reports within seconds.
const (
	repairStartLimit   = 3
	repairStartTimeout = 30 * time.Second
	repairRetries      = 3
	repairDelay        = 5 * time.Second
)

// Settled deployments stay visible to watchers for deploymentTTL, with at
// most deploymentCap deployments tracked overall.
const (
	deploymentTTL = time.Hour
	deploymentCap = 200
)

// instanceProvisioner covers the node-selection half of a deployment.
type instanceProvisioner interface {
	CreateInstance(ctx context.Context, name string) (*types.Instance, error)
	StartOnAnyCandidate(ctx context.Context, instanceHash string, limit int, timeout time.Duration) (string, error)
}

// allocationWaiter blocks until an instance reports its SSH endpoint.
type allocationWaiter interface {
	WaitForAllocation(ctx context.Context, instanceHash, crnURL string) (*types.Allocation, error)
}

// agentDeployer covers the SSH half: environment preparation plus the full
// and code-only deployment variants.
type agentDeployer interface {
	PrepareEnvironment(ctx context.Context, vmIP string, sshPort int) error
	DeployFull(ctx context.Context, inst types.Instance, spec types.DeployConfig, sink progress.Sink) (string, error)
	DeployCodeOnly(ctx context.Context, inst types.Instance, spec types.DeployConfig, sink progress.Sink) (string, error)
}

// vmPool is the slice of the warm pool the deploy flow touches.
type vmPool interface {
	Claim() (*types.PooledVM, error)
	Release(id string) error
	MarkDeployed(id, agentID, vmURL string) error
	RemoveByInstance(instanceHash string) error
}

// instanceForgetter destroys marketplace instances.
type instanceForgetter interface {
	ForgetInstance(ctx context.Context, instanceHash, reason string) error
}

// tcpProber backs the pool's liveness sweep with a plain TCP dial.
type tcpProber struct{}

func (tcpProber) Probe(ctx context.Context, address string) health.Result {
	return health.NewTCPChecker(address).Check(ctx)
}

// Orchestrator wires the subsystems together and exposes the operations the
// CLI and the admin API drive. One Orchestrator owns one pool store; run a
// single instance per data directory.
type Orchestrator struct {
	cfg *config.Config

	client  marketplace.Client
	gateway *marketplace.Gateway
	bl      *blacklist.Blacklist
	dir     *directory.Directory

	provisioner  instanceProvisioner
	waiter       allocationWaiter
	repairWaiter allocationWaiter
	deployer     agentDeployer
	vms          vmPool
	forget       instanceForgetter

	store     *pool.Store
	pool      *pool.Pool
	tracker   *progress.Tracker
	broker    *progress.Broker
	collector *metrics.Collector
}

// DeployResult describes where a deployed agent ended up.
type DeployResult struct {
	URL          string
	InstanceHash string
	CRNURL       string
	PoolVMID     string // set when a warm pool vm served the deploy
	FastPath     bool
}

// New wires every subsystem from the loaded configuration. The pool store
// opens (and runs startup recovery) immediately; background loops wait for
// Start.
func New(cfg *config.Config) (*Orchestrator, error) {
	client := marketplace.New(marketplace.Config{
		NodeListURL:  cfg.Marketplace.NodeListURL,
		APIServer:    cfg.Marketplace.APIServer,
		SchedulerURL: cfg.Marketplace.SchedulerURL,
		Channel:      cfg.Marketplace.Channel,
		AccountKey:   cfg.Marketplace.AccountKey,
	})
	gateway := marketplace.NewGateway(cfg.Gateway.APIURL, cfg.Gateway.Domain)
	bl := blacklist.New(cfg.Provision.BlacklistTTL.Std())
	dir := directory.New(client, bl, cfg.Selection)
	provisioner := provision.NewProvisioner(client, dir, bl, cfg.Provision, cfg.Selection)
	poller := provision.NewPoller(client, cfg.Allocation)

	repairCfg := cfg.Allocation
	repairCfg.Retries = repairRetries
	repairCfg.Delay = config.Duration(repairDelay)
	repairPoller := provision.NewPoller(client, repairCfg)

	dialer := sshexec.NewDialer(cfg.Deploy.SSHUser, cfg.Deploy.SSHKeyPath)
	dep := deployer.New(dialer, gateway, cfg.Deploy)

	store, err := pool.OpenStore(cfg.Pool.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool store: %w", err)
	}
	warm, err := pool.New(store, pool.Deps{
		Provisioner: provisioner,
		Waiter:      poller,
		Preparer:    dep,
		Resolver:    gateway,
		Destroyer:   client,
		Prober:      tcpProber{},
	}, cfg.Pool)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize warm pool: %w", err)
	}

	return &Orchestrator{
		cfg:          cfg,
		client:       client,
		gateway:      gateway,
		bl:           bl,
		dir:          dir,
		provisioner:  provisioner,
		waiter:       poller,
		repairWaiter: repairPoller,
		deployer:     dep,
		vms:          warm,
		forget:       client,
		store:        store,
		pool:         warm,
		tracker:      progress.NewTracker(deploymentTTL, deploymentCap),
		broker:       progress.NewBroker(),
		collector:    metrics.NewCollector(warm, bl),
	}, nil
}

// Start launches the background loops: the progress broker, the metrics
// collector, and the pool replenish/cleanup loops.
func (o *Orchestrator) Start() {
	o.broker.Start()
	o.collector.Start()
	o.pool.Start()
	logger := log.WithComponent("orchestrator")
	logger.Info().Msg("orchestrator started")
}

// Stop halts background work and closes the pool store. In-flight warm
// provisioning is cancelled, not awaited to completion.
func (o *Orchestrator) Stop() {
	logger := log.WithComponent("orchestrator")
	o.pool.Stop()
	o.collector.Stop()
	o.broker.Stop()
	if err := o.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close pool store")
	}
	logger.Info().Msg("orchestrator stopped")
}

// Deploy ships an agent onto a VM, preferring a claimed warm pool VM over
// provisioning a fresh instance. A fast-path failure releases the claim and
// reports the error; it does not silently fall through to the slow path,
// since the failed claim usually means the code or its config is bad and a
// fresh instance would fail the same way at far higher cost.
func (o *Orchestrator) Deploy(ctx context.Context, spec types.DeployConfig, sink progress.Sink) (*DeployResult, error) {
	logger := log.WithAgent(spec.AgentID)
	sink = o.fanout(spec.AgentID, sink)
	begin := time.Now()

	vm, err := o.vms.Claim()
	if err != nil {
		logger.Warn().Err(err).Msg("pool claim failed, provisioning fresh instance instead")
	}
	mode := "full"
	if vm != nil {
		mode = "fast"
	}

	var res *DeployResult
	if vm != nil {
		res, err = o.deployWarm(ctx, vm, spec, sink)
	} else {
		res, err = o.deployFresh(ctx, spec, sink)
	}
	if err != nil {
		metrics.DeploysTotal.WithLabelValues(mode, "failure").Inc()
		return nil, err
	}

	metrics.DeploysTotal.WithLabelValues(mode, "success").Inc()
	metrics.DeployDuration.WithLabelValues(mode).Observe(time.Since(begin).Seconds())
	logger.Info().
		Str("url", res.URL).
		Str("instance_hash", res.InstanceHash).
		Bool("fast_path", res.FastPath).
		Dur("took", time.Since(begin)).
		Msg("agent deployed")
	return res, nil
}

// deployWarm ships code onto a claimed pool VM whose environment is already
// prepared. The pool row's public URL becomes the deployment FQDN so no
// gateway lookup is needed.
func (o *Orchestrator) deployWarm(ctx context.Context, vm *types.PooledVM, spec types.DeployConfig, sink progress.Sink) (*DeployResult, error) {
	logger := log.WithAgent(spec.AgentID)
	logger.Info().
		Str("vm_id", vm.ID).
		Str("instance_hash", vm.InstanceHash).
		Msg("claimed warm vm")

	if spec.FQDN == "" && vm.VMURL != "" {
		spec.FQDN = strings.TrimPrefix(vm.VMURL, "https://")
	}

	url, err := o.deployer.DeployCodeOnly(ctx, vm.Instance(), spec, sink)
	if err != nil {
		if relErr := o.vms.Release(vm.ID); relErr != nil {
			logger.Warn().Err(relErr).Str("vm_id", vm.ID).Msg("failed to release vm after deploy failure")
		}
		return nil, withInstance(err, vm.InstanceHash)
	}

	// The agent is serving; a bookkeeping failure here must not convince
	// the caller to deploy again elsewhere.
	if err := o.vms.MarkDeployed(vm.ID, spec.AgentID, url); err != nil {
		logger.Error().Err(err).Str("vm_id", vm.ID).Msg("failed to record deployment, pool row left claimed")
	}

	return &DeployResult{
		URL:          url,
		InstanceHash: vm.InstanceHash,
		CRNURL:       vm.CRNURL,
		PoolVMID:     vm.ID,
		FastPath:     true,
	}, nil
}

// deployFresh provisions a new instance and runs the full deployment on it.
func (o *Orchestrator) deployFresh(ctx context.Context, spec types.DeployConfig, sink progress.Sink) (*DeployResult, error) {
	logger := log.WithAgent(spec.AgentID)
	logger.Info().Msg("no warm vm available, provisioning fresh instance")

	inst, err := o.provisioner.CreateInstance(ctx, spec.AgentID)
	if err != nil {
		return nil, err
	}

	alloc, err := o.waiter.WaitForAllocation(ctx, inst.InstanceHash, inst.CRNURL)
	if err != nil {
		return nil, withInstance(err, inst.InstanceHash)
	}
	inst.VMIP = alloc.VMIP
	inst.SSHPort = alloc.SSHPort

	url, err := o.deployer.DeployFull(ctx, *inst, spec, sink)
	if err != nil {
		return nil, withInstance(err, inst.InstanceHash)
	}

	return &DeployResult{URL: url, InstanceHash: inst.InstanceHash, CRNURL: inst.CRNURL}, nil
}

// Repair redeploys an agent onto an instance that stopped serving, reusing
// the already-paid-for instance instead of creating a fresh one. With the
// hosting CRN unknown (lost state, node churn) the instance is restarted on
// whichever candidate accepts it first.
func (o *Orchestrator) Repair(ctx context.Context, instanceHash, crnURL string, spec types.DeployConfig, sink progress.Sink) (*DeployResult, error) {
	logger := log.WithInstance(instanceHash)
	sink = o.fanout(spec.AgentID, sink)
	begin := time.Now()

	if crnURL == "" {
		logger.Info().Msg("repair without known crn, asking candidates to restart the instance")
		found, err := o.provisioner.StartOnAnyCandidate(ctx, instanceHash, repairStartLimit, repairStartTimeout)
		if err != nil {
			metrics.DeploysTotal.WithLabelValues("repair", "failure").Inc()
			return nil, withInstance(err, instanceHash)
		}
		crnURL = found
	}

	alloc, err := o.repairWaiter.WaitForAllocation(ctx, instanceHash, crnURL)
	if err != nil {
		metrics.DeploysTotal.WithLabelValues("repair", "failure").Inc()
		return nil, withInstance(err, instanceHash)
	}

	inst := types.Instance{
		InstanceHash: instanceHash,
		CRNURL:       crnURL,
		VMIP:         alloc.VMIP,
		SSHPort:      alloc.SSHPort,
	}
	url, err := o.deployer.DeployFull(ctx, inst, spec, sink)
	if err != nil {
		metrics.DeploysTotal.WithLabelValues("repair", "failure").Inc()
		return nil, withInstance(err, instanceHash)
	}

	metrics.DeploysTotal.WithLabelValues("repair", "success").Inc()
	metrics.DeployDuration.WithLabelValues("repair").Observe(time.Since(begin).Seconds())
	logger.Info().Str("url", url).Dur("took", time.Since(begin)).Msg("agent repaired")
	return &DeployResult{URL: url, InstanceHash: instanceHash, CRNURL: crnURL}, nil
}

// Destroy forgets a marketplace instance and clears any pool row tracking
// it. Marketplace refusal is logged, not returned: the instance may already
// be gone, and a stale pool row must not survive either way.
func (o *Orchestrator) Destroy(ctx context.Context, instanceHash string) error {
	if err := o.forget.ForgetInstance(ctx, instanceHash, "agent removed"); err != nil {
		logger := log.WithInstance(instanceHash)
		logger.Warn().Err(err).Msg("marketplace forget failed, clearing local state anyway")
	}
	return o.vms.RemoveByInstance(instanceHash)
}

// CreateInstance provisions a fresh marketplace instance without deploying
// anything onto it.
func (o *Orchestrator) CreateInstance(ctx context.Context, name string) (*types.Instance, error) {
	return o.provisioner.CreateInstance(ctx, name)
}

// WaitForAllocation blocks until the instance reports an IP and SSH port,
// on the configured retry budget.
func (o *Orchestrator) WaitForAllocation(ctx context.Context, instanceHash, crnURL string) (*types.Allocation, error) {
	return o.waiter.WaitForAllocation(ctx, instanceHash, crnURL)
}

// PrepareVM installs the base environment on a reachable VM without
// deploying an agent, the same preparation warm pool VMs receive.
func (o *Orchestrator) PrepareVM(ctx context.Context, vmIP string, sshPort int) error {
	return o.deployer.PrepareEnvironment(ctx, vmIP, sshPort)
}

// DeployAgent runs the full deployment onto an already-allocated instance.
func (o *Orchestrator) DeployAgent(ctx context.Context, inst types.Instance, spec types.DeployConfig, sink progress.Sink) (string, error) {
	url, err := o.deployer.DeployFull(ctx, inst, spec, o.fanout(spec.AgentID, sink))
	if err != nil {
		return "", withInstance(err, inst.InstanceHash)
	}
	return url, nil
}

// DeployAgentCode ships code onto a prepared VM without touching the base
// environment. Set spec.FQDN to skip the gateway subdomain lookup.
func (o *Orchestrator) DeployAgentCode(ctx context.Context, inst types.Instance, spec types.DeployConfig, sink progress.Sink) (string, error) {
	url, err := o.deployer.DeployCodeOnly(ctx, inst, spec, o.fanout(spec.AgentID, sink))
	if err != nil {
		return "", withInstance(err, inst.InstanceHash)
	}
	return url, nil
}

// Pool exposes the warm pool for the admin API and the CLI.
func (o *Orchestrator) Pool() *pool.Pool { return o.pool }

// Blacklist exposes the node blacklist for the admin API.
func (o *Orchestrator) Blacklist() *blacklist.Blacklist { return o.bl }

// Tracker exposes the deployment progress tracker for the admin API.
func (o *Orchestrator) Tracker() *progress.Tracker { return o.tracker }

// Broker exposes the progress event broker for streaming watchers.
func (o *Orchestrator) Broker() *progress.Broker { return o.broker }

// Marketplace exposes the marketplace client, chiefly for readiness probes.
func (o *Orchestrator) Marketplace() marketplace.Client { return o.client }

// Directory exposes the node directory for the admin API.
func (o *Orchestrator) Directory() *directory.Directory { return o.dir }

// fanout merges the caller's sink with the in-memory tracker and the event
// broker so API watchers see the same steps the caller does.
func (o *Orchestrator) fanout(agentID string, sink progress.Sink) progress.Sink {
	return progress.Multi(o.tracker.SinkFor(agentID), o.broker.SinkFor(agentID), sink)
}

// withInstance stamps the instance hash onto a structured error that lacks
// one, so callers can repair or destroy the orphaned instance instead of
// re-paying creation cost.
func withInstance(err error, hash string) error {
	var oerr *types.Error
	if errors.As(err, &oerr) && oerr.InstanceHash == "" {
		return oerr.WithInstance(hash)
	}
	return err
}
