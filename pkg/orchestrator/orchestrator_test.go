package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesselworks/flotilla/pkg/config"
	"github.com/vesselworks/flotilla/pkg/metrics"
	"github.com/vesselworks/flotilla/pkg/progress"
	"github.com/vesselworks/flotilla/pkg/types"
)

type fakeProvisioner struct {
	inst      *types.Instance
	createErr error
	created   []string

	startCRN   string
	startErr   error
	startCalls int
}

func (f *fakeProvisioner) CreateInstance(ctx context.Context, name string) (*types.Instance, error) {
	f.created = append(f.created, name)
	if f.createErr != nil {
		return nil, f.createErr
	}
	inst := *f.inst
	return &inst, nil
}

func (f *fakeProvisioner) StartOnAnyCandidate(ctx context.Context, instanceHash string, limit int, timeout time.Duration) (string, error) {
	f.startCalls++
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.startCRN, nil
}

type fakeWaiter struct {
	alloc *types.Allocation
	err   error
	calls [][2]string // instance hash, crn url
}

func (f *fakeWaiter) WaitForAllocation(ctx context.Context, instanceHash, crnURL string) (*types.Allocation, error) {
	f.calls = append(f.calls, [2]string{instanceHash, crnURL})
	if f.err != nil {
		return nil, f.err
	}
	alloc := *f.alloc
	return &alloc, nil
}

type deployCall struct {
	inst types.Instance
	spec types.DeployConfig
}

type fakeDeployer struct {
	fullURL string
	fullErr error
	codeURL string
	codeErr error

	prepared  []string
	fullCalls []deployCall
	codeCalls []deployCall
}

func (f *fakeDeployer) PrepareEnvironment(ctx context.Context, vmIP string, sshPort int) error {
	f.prepared = append(f.prepared, vmIP)
	return nil
}

func (f *fakeDeployer) DeployFull(ctx context.Context, inst types.Instance, spec types.DeployConfig, sink progress.Sink) (string, error) {
	f.fullCalls = append(f.fullCalls, deployCall{inst: inst, spec: spec})
	if f.fullErr != nil {
		sink.OnStep(progress.StepService, types.StepFailed, f.fullErr.Error())
		return "", f.fullErr
	}
	sink.OnStep(progress.StepService, types.StepDone, "")
	return f.fullURL, nil
}

func (f *fakeDeployer) DeployCodeOnly(ctx context.Context, inst types.Instance, spec types.DeployConfig, sink progress.Sink) (string, error) {
	f.codeCalls = append(f.codeCalls, deployCall{inst: inst, spec: spec})
	if f.codeErr != nil {
		sink.OnStep(progress.StepService, types.StepFailed, f.codeErr.Error())
		return "", f.codeErr
	}
	sink.OnStep(progress.StepService, types.StepDone, "")
	return f.codeURL, nil
}

type fakePool struct {
	vm        *types.PooledVM
	claimErr  error
	claims    int
	released  []string
	deployed  [][3]string // id, agent id, url
	removed   []string
	removeErr error
}

func (f *fakePool) Claim() (*types.PooledVM, error) {
	f.claims++
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if f.vm == nil {
		return nil, nil
	}
	vm := *f.vm
	return &vm, nil
}

func (f *fakePool) Release(id string) error {
	f.released = append(f.released, id)
	return nil
}

func (f *fakePool) MarkDeployed(id, agentID, vmURL string) error {
	f.deployed = append(f.deployed, [3]string{id, agentID, vmURL})
	return nil
}

func (f *fakePool) RemoveByInstance(instanceHash string) error {
	f.removed = append(f.removed, instanceHash)
	return f.removeErr
}

type fakeForgetter struct {
	err     error
	forgot  []string
	reasons []string
}

func (f *fakeForgetter) ForgetInstance(ctx context.Context, instanceHash, reason string) error {
	f.forgot = append(f.forgot, instanceHash)
	f.reasons = append(f.reasons, reason)
	if f.err != nil {
		return f.err
	}
	return nil
}

type orchFakes struct {
	provisioner  *fakeProvisioner
	waiter       *fakeWaiter
	repairWaiter *fakeWaiter
	deployer     *fakeDeployer
	pool         *fakePool
	forgetter    *fakeForgetter
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *orchFakes) {
	t.Helper()
	f := &orchFakes{
		provisioner: &fakeProvisioner{
			inst: &types.Instance{
				InstanceHash: "hash-fresh",
				CRNURL:       "https://crn-fresh.example.com",
			},
			startCRN: "https://crn-new.example.com",
		},
		waiter:       &fakeWaiter{alloc: &types.Allocation{VMIP: "203.0.113.9", SSHPort: 2222}},
		repairWaiter: &fakeWaiter{alloc: &types.Allocation{VMIP: "203.0.113.12", SSHPort: 22}},
		deployer: &fakeDeployer{
			fullURL: "https://fresh-agent.2n6.me",
			codeURL: "https://warm-box.2n6.me",
		},
		pool:      &fakePool{},
		forgetter: &fakeForgetter{},
	}

	broker := progress.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	o := &Orchestrator{
		provisioner:  f.provisioner,
		waiter:       f.waiter,
		repairWaiter: f.repairWaiter,
		deployer:     f.deployer,
		vms:          f.pool,
		forget:       f.forgetter,
		tracker:      progress.NewTracker(time.Hour, 100),
		broker:       broker,
	}
	return o, f
}

func warmVM() *types.PooledVM {
	return &types.PooledVM{
		ID:           "vm-1",
		InstanceHash: "hash-warm",
		CRNURL:       "https://crn-warm.example.com",
		VMIP:         "203.0.113.7",
		VMURL:        "https://warm-box.2n6.me",
		SSHPort:      22,
		Status:       types.VMStatusWarm,
	}
}

func testSpec() types.DeployConfig {
	return types.DeployConfig{
		AgentID:   "agent-1",
		SourceDir: "/src/flotilla_agent",
	}
}

// TestDeployFastPath tests that a claimed warm VM gets a code-only deploy
// with the pool row's hostname, then is marked deployed
func TestDeployFastPath(t *testing.T) {
	o, f := newTestOrchestrator(t)
	f.pool.vm = warmVM()
	before := testutil.ToFloat64(metrics.DeploysTotal.WithLabelValues("fast", "success"))

	res, err := o.Deploy(context.Background(), testSpec(), nil)

	require.NoError(t, err)
	assert.True(t, res.FastPath)
	assert.Equal(t, "vm-1", res.PoolVMID)
	assert.Equal(t, "https://warm-box.2n6.me", res.URL)
	assert.Equal(t, "hash-warm", res.InstanceHash)

	require.Len(t, f.deployer.codeCalls, 1)
	assert.Equal(t, "warm-box.2n6.me", f.deployer.codeCalls[0].spec.FQDN)
	assert.Equal(t, "203.0.113.7", f.deployer.codeCalls[0].inst.VMIP)
	assert.Empty(t, f.deployer.fullCalls)
	assert.Empty(t, f.provisioner.created)

	require.Len(t, f.pool.deployed, 1)
	assert.Equal(t, [3]string{"vm-1", "agent-1", "https://warm-box.2n6.me"}, f.pool.deployed[0])

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DeploysTotal.WithLabelValues("fast", "success")))
}

// TestDeployFastPathKeepsExplicitFQDN tests that a caller-set hostname is
// not overwritten by the pool row's
func TestDeployFastPathKeepsExplicitFQDN(t *testing.T) {
	o, f := newTestOrchestrator(t)
	f.pool.vm = warmVM()
	spec := testSpec()
	spec.FQDN = "custom.example.org"

	_, err := o.Deploy(context.Background(), spec, nil)

	require.NoError(t, err)
	require.Len(t, f.deployer.codeCalls, 1)
	assert.Equal(t, "custom.example.org", f.deployer.codeCalls[0].spec.FQDN)
}

// TestDeployFastPathFailureReleases tests that a failed fast path releases
// the claim and reports the error instead of cascading to a fresh instance
func TestDeployFastPathFailureReleases(t *testing.T) {
	o, f := newTestOrchestrator(t)
	f.pool.vm = warmVM()
	f.deployer.codeErr = types.E(types.ErrRemoteExec, nil, "service refused to start")

	_, err := o.Deploy(context.Background(), testSpec(), nil)

	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrRemoteExec))
	assert.Equal(t, "hash-warm", types.InstanceHashFrom(err))
	assert.Equal(t, []string{"vm-1"}, f.pool.released)
	assert.Empty(t, f.pool.deployed)
	assert.Empty(t, f.provisioner.created, "fast path failure must not fall through to provisioning")
}

// TestDeploySlowPath tests the full provision-allocate-deploy chain on an
// empty pool
func TestDeploySlowPath(t *testing.T) {
	o, f := newTestOrchestrator(t)

	res, err := o.Deploy(context.Background(), testSpec(), nil)

	require.NoError(t, err)
	assert.False(t, res.FastPath)
	assert.Empty(t, res.PoolVMID)
	assert.Equal(t, "https://fresh-agent.2n6.me", res.URL)
	assert.Equal(t, "hash-fresh", res.InstanceHash)
	assert.Equal(t, "https://crn-fresh.example.com", res.CRNURL)

	assert.Equal(t, []string{"agent-1"}, f.provisioner.created)
	require.Len(t, f.waiter.calls, 1)
	assert.Equal(t, [2]string{"hash-fresh", "https://crn-fresh.example.com"}, f.waiter.calls[0])

	require.Len(t, f.deployer.fullCalls, 1)
	inst := f.deployer.fullCalls[0].inst
	assert.Equal(t, "203.0.113.9", inst.VMIP)
	assert.Equal(t, 2222, inst.SSHPort)
	assert.Empty(t, f.deployer.codeCalls)
}

// TestDeploySlowPathStampsHash tests that an allocation timeout carries the
// created instance's hash so the caller can repair instead of re-create
func TestDeploySlowPathStampsHash(t *testing.T) {
	o, f := newTestOrchestrator(t)
	f.waiter.err = types.E(types.ErrTimeout, nil, "instance never received an allocation")

	_, err := o.Deploy(context.Background(), testSpec(), nil)

	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrTimeout))
	assert.Equal(t, "hash-fresh", types.InstanceHashFrom(err))
}

// TestDeployClaimErrorFallsThrough tests that a broken pool store degrades
// to the slow path instead of failing the deploy
func TestDeployClaimErrorFallsThrough(t *testing.T) {
	o, f := newTestOrchestrator(t)
	f.pool.claimErr = errors.New("database not open")

	res, err := o.Deploy(context.Background(), testSpec(), nil)

	require.NoError(t, err)
	assert.False(t, res.FastPath)
	assert.Equal(t, []string{"agent-1"}, f.provisioner.created)
}

// TestDeployRecordsProgress tests that deploy steps reach the tracker
// through the fanout sink alongside the caller's own sink
func TestDeployRecordsProgress(t *testing.T) {
	o, f := newTestOrchestrator(t)
	f.pool.vm = warmVM()

	var got []string
	sink := progress.SinkFunc(func(step string, status types.StepStatus, detail string) {
		got = append(got, step+"/"+string(status))
	})

	_, err := o.Deploy(context.Background(), testSpec(), sink)

	require.NoError(t, err)
	assert.Contains(t, got, "service/done")

	dep, ok := o.Tracker().Get("agent-1")
	require.True(t, ok)
	require.NotEmpty(t, dep.Steps)
	assert.Equal(t, progress.StepService, dep.Steps[len(dep.Steps)-1].Key)
	assert.Equal(t, types.StepDone, dep.Steps[len(dep.Steps)-1].Status)
}

// TestRepairWithKnownCRN tests that repair skips candidate restart when the
// hosting node is still known
func TestRepairWithKnownCRN(t *testing.T) {
	o, f := newTestOrchestrator(t)

	res, err := o.Repair(context.Background(), "hash-r", "https://crn-r.example.com", testSpec(), nil)

	require.NoError(t, err)
	assert.Equal(t, "https://fresh-agent.2n6.me", res.URL)
	assert.Equal(t, "hash-r", res.InstanceHash)
	assert.Equal(t, "https://crn-r.example.com", res.CRNURL)

	assert.Zero(t, f.provisioner.startCalls)
	require.Len(t, f.repairWaiter.calls, 1)
	assert.Equal(t, [2]string{"hash-r", "https://crn-r.example.com"}, f.repairWaiter.calls[0])
	assert.Empty(t, f.waiter.calls, "repair must poll on its own short budget")

	require.Len(t, f.deployer.fullCalls, 1)
	inst := f.deployer.fullCalls[0].inst
	assert.Equal(t, "hash-r", inst.InstanceHash)
	assert.Equal(t, "203.0.113.12", inst.VMIP)
}

// TestRepairReassignsCRN tests that a lost CRN is re-adopted by restarting
// the instance on whichever candidate accepts it
func TestRepairReassignsCRN(t *testing.T) {
	o, f := newTestOrchestrator(t)

	res, err := o.Repair(context.Background(), "hash-r", "", testSpec(), nil)

	require.NoError(t, err)
	assert.Equal(t, 1, f.provisioner.startCalls)
	assert.Equal(t, "https://crn-new.example.com", res.CRNURL)
	require.Len(t, f.repairWaiter.calls, 1)
	assert.Equal(t, "https://crn-new.example.com", f.repairWaiter.calls[0][1])
}

// TestRepairStartFailureStampsHash tests that a failed candidate restart
// still reports which instance is stranded
func TestRepairStartFailureStampsHash(t *testing.T) {
	o, f := newTestOrchestrator(t)
	f.provisioner.startErr = types.E(types.ErrTimeout, nil, "no node accepted the restart")

	_, err := o.Repair(context.Background(), "hash-r", "", testSpec(), nil)

	require.Error(t, err)
	assert.Equal(t, "hash-r", types.InstanceHashFrom(err))
	assert.Empty(t, f.repairWaiter.calls)
	assert.Empty(t, f.deployer.fullCalls)
}

// TestDestroy tests the forget-then-bookkeep order
func TestDestroy(t *testing.T) {
	o, f := newTestOrchestrator(t)

	err := o.Destroy(context.Background(), "hash-x")

	require.NoError(t, err)
	assert.Equal(t, []string{"hash-x"}, f.forgetter.forgot)
	assert.Equal(t, []string{"agent removed"}, f.forgetter.reasons)
	assert.Equal(t, []string{"hash-x"}, f.pool.removed)
}

// TestDestroyForgetFailureStillRemoves tests that marketplace refusal never
// blocks clearing the local pool row
func TestDestroyForgetFailureStillRemoves(t *testing.T) {
	o, f := newTestOrchestrator(t)
	f.forgetter.err = errors.New("marketplace said no")

	err := o.Destroy(context.Background(), "hash-x")

	require.NoError(t, err)
	assert.Equal(t, []string{"hash-x"}, f.pool.removed)
}

// TestDestroyBookkeepingError tests that a store failure is the one error
// Destroy does report
func TestDestroyBookkeepingError(t *testing.T) {
	o, f := newTestOrchestrator(t)
	f.pool.removeErr = errors.New("database not open")

	err := o.Destroy(context.Background(), "hash-x")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not open")
}

// TestDeployAgentStampsHash tests the pass-through full deploy tags errors
// with the instance it was aimed at
func TestDeployAgentStampsHash(t *testing.T) {
	o, f := newTestOrchestrator(t)
	f.deployer.fullErr = types.E(types.ErrRemoteExec, nil, "transfer failed")

	inst := types.Instance{InstanceHash: "hash-d", VMIP: "203.0.113.4", SSHPort: 22}
	_, err := o.DeployAgent(context.Background(), inst, testSpec(), nil)

	require.Error(t, err)
	assert.Equal(t, "hash-d", types.InstanceHashFrom(err))
}

// TestWithInstanceKeepsExistingHash tests that an error already carrying a
// hash is passed through untouched
func TestWithInstanceKeepsExistingHash(t *testing.T) {
	orig := types.E(types.ErrTimeout, nil, "start interrupted").WithInstance("hash-original")

	err := withInstance(orig, "hash-other")

	assert.Equal(t, "hash-original", types.InstanceHashFrom(err))
	assert.Same(t, orig, err)
}

// TestNewWiresEverything tests the full constructor against default config
// and a temp data dir
func TestNewWiresEverything(t *testing.T) {
	cfg := config.Default()
	cfg.Pool.DataDir = t.TempDir()

	o, err := New(cfg)
	require.NoError(t, err)
	defer o.Stop()

	assert.NotNil(t, o.Pool())
	assert.NotNil(t, o.Blacklist())
	assert.NotNil(t, o.Tracker())
	assert.NotNil(t, o.Broker())
	assert.NotNil(t, o.Marketplace())
	assert.NotNil(t, o.Directory())

	// Default config ships without an account key, so the client is the
	// read-only one.
	assert.False(t, o.Marketplace().Available())
}
