package deployer

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vesselworks/flotilla/pkg/config"
	"github.com/vesselworks/flotilla/pkg/health"
	"github.com/vesselworks/flotilla/pkg/log"
	"github.com/vesselworks/flotilla/pkg/metrics"
	"github.com/vesselworks/flotilla/pkg/progress"
	"github.com/vesselworks/flotilla/pkg/sshexec"
	"github.com/vesselworks/flotilla/pkg/types"
)

const (
	// sshAttemptTimeout bounds one dial-and-echo attempt while waiting
	// for a booting VM; sshQuickTimeout is the tighter bound for VMs
	// that are expected to be up already.
	sshAttemptTimeout = 15 * time.Second
	sshQuickTimeout   = 10 * time.Second

	// sentinelTimeout bounds the prepared-environment check.
	sentinelTimeout = 10 * time.Second

	// quickTimeout bounds housekeeping commands (mkdir, cp, systemctl).
	quickTimeout = 30 * time.Second

	// transferTimeout bounds the code tar pipe.
	transferTimeout = 120 * time.Second

	// proxyInstallTimeout bounds the Caddy apt install.
	proxyInstallTimeout = 120 * time.Second
)

// Dialer dials SSH command runners. Implemented by sshexec.Dialer.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (sshexec.Runner, error)
}

// SubdomainResolver resolves an instance hash to its gateway subdomain.
// Implemented by marketplace.Gateway.
type SubdomainResolver interface {
	ResolveSubdomain(ctx context.Context, instanceHash string) (string, error)
	FQDN(subdomain string) string
}

// Deployer pushes agent code onto provisioned VMs over SSH and wires up
// the public HTTPS endpoint.
type Deployer struct {
	dialer  Dialer
	gateway SubdomainResolver
	cfg     config.DeployConfig
}

// New creates a deployer.
func New(dialer Dialer, gateway SubdomainResolver, cfg config.DeployConfig) *Deployer {
	return &Deployer{dialer: dialer, gateway: gateway, cfg: cfg}
}

// PrepareEnvironment installs everything an agent needs onto a blank VM:
// Python with the venv and runtime packages, Caddy, and the directory
// skeleton. Run against pool VMs ahead of time so a later deployment
// skips the slow installs.
//
// Caddy is installed but left stopped: it only gets a config once an
// agent with a real domain is deployed.
func (d *Deployer) PrepareEnvironment(ctx context.Context, vmIP string, sshPort int) error {
	logger := log.WithComponent("deployer")
	l := newLayout(d.cfg.ServiceName)

	err := d.waitForSSH(ctx, vmIP, sshPort, d.cfg.SSHWaitAttempts, d.cfg.SSHWaitDelay.Std(), sshAttemptTimeout, progress.Nop())
	if err != nil {
		return err
	}

	runner, err := d.dialer.Dial(ctx, vmIP, sshPort)
	if err != nil {
		return types.E(types.ErrTransport, err, "ssh came up but dial failed at %s:%d", vmIP, sshPort).
			WithStep(progress.FailureSSHUnreachable)
	}
	defer runner.Close()

	if err := runOK(ctx, runner, d.cfg.CommandTimeout.Std(), installEnvCmd(l, d.cfg.PipPackages)); err != nil {
		return types.E(types.ErrRemoteExec, err, "dependency install failed on %s", vmIP).
			WithStep(progress.FailureDepsInstall)
	}

	if err := d.ensureProxyInstalled(ctx, runner); err != nil {
		return err
	}
	tryRun(ctx, runner, quickTimeout, "systemctl stop caddy 2>/dev/null")

	tryRun(ctx, runner, quickTimeout, ensureDirsCmd(l))

	logger.Info().Str("vm_ip", vmIP).Msg("vm environment prepared")
	return nil
}

// DeployFull deploys an agent end to end on a VM that may be completely
// blank: wait for SSH, install the environment unless a previous
// preparation is detected, push the code, start the service, resolve
// the public subdomain, and put Caddy in front of it. Returns the
// public https URL.
//
// Progress is reported through sink; pass nil to discard it.
func (d *Deployer) DeployFull(ctx context.Context, inst types.Instance, spec types.DeployConfig, sink progress.Sink) (url string, err error) {
	begin := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.DeploysTotal.WithLabelValues("full", outcome).Inc()
		if err == nil {
			metrics.DeployDuration.WithLabelValues("full").Observe(time.Since(begin).Seconds())
		}
	}()

	sink = orNop(sink)
	d.applyDefaults(&spec)
	l := newLayout(spec.ServiceName)
	logger := log.WithAgent(spec.AgentID)

	sink.OnStep(progress.StepSSH, types.StepRunning, "connecting to vm over ssh")
	if err := d.waitForSSH(ctx, inst.VMIP, inst.SSHPort, d.cfg.SSHWaitAttempts, d.cfg.SSHWaitDelay.Std(), sshAttemptTimeout, sink); err != nil {
		return "", err
	}

	runner, err := d.dialer.Dial(ctx, inst.VMIP, inst.SSHPort)
	if err != nil {
		sink.OnStep(progress.StepSSH, types.StepFailed, "ssh connection lost")
		return "", types.E(types.ErrTransport, err, "ssh came up but dial failed at %s:%d", inst.VMIP, inst.SSHPort).
			WithStep(progress.FailureSSHUnreachable)
	}
	defer runner.Close()

	sink.OnStep(progress.StepEnvironment, types.StepRunning, "checking for pre-installed dependencies")
	prepared := runs(ctx, runner, sentinelTimeout, l.sentinelCmd())
	if prepared {
		logger.Info().Msg("environment pre-installed, skipping dependency install")
		sink.OnStep(progress.StepEnvironment, types.StepRunning, "dependencies pre-installed, deploying code")
	} else {
		sink.OnStep(progress.StepEnvironment, types.StepRunning, "installing python and dependencies")
		if err := runOK(ctx, runner, d.cfg.CommandTimeout.Std(), installEnvCmd(l, d.cfg.PipPackages)); err != nil {
			sink.OnStep(progress.StepEnvironment, types.StepFailed, "dependency install failed")
			return "", types.E(types.ErrRemoteExec, err, "dependency install failed on %s", inst.VMIP).
				WithStep(progress.FailureDepsInstall)
		}
		sink.OnStep(progress.StepEnvironment, types.StepRunning, "dependencies installed, deploying code")
	}

	if err := d.pushCode(ctx, runner, l, spec, sink); err != nil {
		return "", err
	}
	sink.OnStep(progress.StepEnvironment, types.StepDone, "environment configured, code deployed")

	sink.OnStep(progress.StepService, types.StepRunning, "creating systemd service")
	if err := d.startService(ctx, runner, l, spec, false, sink); err != nil {
		return "", err
	}

	sink.OnStep(progress.StepService, types.StepRunning, "agent started, resolving subdomain")
	fqdn, err := d.resolveFQDN(ctx, inst.InstanceHash, spec)
	if err != nil {
		sink.OnStep(progress.StepService, types.StepFailed, "could not resolve subdomain")
		return "", err
	}

	sink.OnStep(progress.StepService, types.StepRunning, "configuring https proxy for "+fqdn)
	if err := d.ensureProxyInstalled(ctx, runner); err != nil {
		sink.OnStep(progress.StepService, types.StepFailed, "proxy install failed")
		return "", err
	}
	if err := d.startProxy(ctx, runner, fqdn, spec.ListenPort); err != nil {
		sink.OnStep(progress.StepService, types.StepFailed, "proxy start failed")
		return "", err
	}

	d.verifyEndpoint(ctx, fqdn)

	sink.OnStep(progress.StepService, types.StepDone, "https active at "+fqdn)
	logger.Info().Str("fqdn", fqdn).Dur("took", time.Since(begin)).Msg("agent deployed")
	return "https://" + fqdn, nil
}

// DeployCodeOnly deploys onto a VM whose environment was prepared
// earlier: push the code, restart the service, refresh the proxy
// config. No installs happen here, which is what makes the pool's fast
// path fast. Returns the public https URL.
func (d *Deployer) DeployCodeOnly(ctx context.Context, inst types.Instance, spec types.DeployConfig, sink progress.Sink) (url string, err error) {
	begin := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.DeploysTotal.WithLabelValues("code_only", outcome).Inc()
		if err == nil {
			metrics.DeployDuration.WithLabelValues("code_only").Observe(time.Since(begin).Seconds())
		}
	}()

	sink = orNop(sink)
	d.applyDefaults(&spec)
	l := newLayout(spec.ServiceName)
	logger := log.WithAgent(spec.AgentID)

	sink.OnStep(progress.StepSSH, types.StepRunning, "connecting to vm over ssh")
	if err := d.waitForSSH(ctx, inst.VMIP, inst.SSHPort, d.cfg.SSHQuickAttempts, d.cfg.SSHQuickDelay.Std(), sshQuickTimeout, sink); err != nil {
		return "", err
	}

	runner, err := d.dialer.Dial(ctx, inst.VMIP, inst.SSHPort)
	if err != nil {
		sink.OnStep(progress.StepSSH, types.StepFailed, "ssh connection lost")
		return "", types.E(types.ErrTransport, err, "ssh came up but dial failed at %s:%d", inst.VMIP, inst.SSHPort).
			WithStep(progress.FailureSSHUnreachable)
	}
	defer runner.Close()

	sink.OnStep(progress.StepEnvironment, types.StepRunning, "verifying prepared environment")
	if !runs(ctx, runner, sentinelTimeout, l.sentinelCmd()) {
		sink.OnStep(progress.StepEnvironment, types.StepFailed, "vm environment was never prepared")
		return "", types.E(types.ErrRemoteExec, nil, "vm %s has no prepared environment, full deployment required", inst.VMIP).
			WithStep(progress.FailureDepsInstall)
	}

	if err := d.pushCode(ctx, runner, l, spec, sink); err != nil {
		return "", err
	}
	sink.OnStep(progress.StepEnvironment, types.StepDone, "code deployed")

	sink.OnStep(progress.StepService, types.StepRunning, "restarting agent service")
	if err := d.startService(ctx, runner, l, spec, true, sink); err != nil {
		return "", err
	}

	fqdn, err := d.resolveFQDN(ctx, inst.InstanceHash, spec)
	if err != nil {
		sink.OnStep(progress.StepService, types.StepFailed, "could not resolve subdomain")
		return "", err
	}

	sink.OnStep(progress.StepService, types.StepRunning, "refreshing https proxy for "+fqdn)
	if err := d.startProxy(ctx, runner, fqdn, spec.ListenPort); err != nil {
		sink.OnStep(progress.StepService, types.StepFailed, "proxy start failed")
		return "", err
	}

	d.verifyEndpoint(ctx, fqdn)

	sink.OnStep(progress.StepService, types.StepDone, "https active at "+fqdn)
	logger.Info().Str("fqdn", fqdn).Dur("took", time.Since(begin)).Msg("agent code deployed")
	return "https://" + fqdn, nil
}

// waitForSSH retries a dial-and-echo probe until the VM answers. Fresh
// instances routinely take minutes to boot, so progress is reported
// every fifth attempt to keep watchers informed.
func (d *Deployer) waitForSSH(ctx context.Context, host string, port int, attempts int, delay, attemptTimeout time.Duration, sink progress.Sink) error {
	logger := log.WithComponent("deployer")
	checker := health.NewSSHChecker(d.dialer, host, port).WithTimeout(attemptTimeout)
	begin := time.Now()

	for attempt := 0; attempt < attempts; attempt++ {
		result := checker.Check(ctx)
		if result.Healthy {
			elapsed := int(time.Since(begin).Seconds())
			logger.Info().Str("vm_ip", host).Int("elapsed_s", elapsed).Msg("ssh ready")
			sink.OnStep(progress.StepSSH, types.StepDone, fmt.Sprintf("ssh established after %ds", elapsed))
			return nil
		}

		if attempt > 0 && attempt%5 == 0 {
			elapsed := int(time.Since(begin).Seconds())
			logger.Info().
				Str("vm_ip", host).
				Int("attempt", attempt+1).
				Int("attempts", attempts).
				Int("elapsed_s", elapsed).
				Msg("still waiting for ssh")
			sink.OnStep(progress.StepSSH, types.StepRunning, fmt.Sprintf("ssh attempt %d/%d (%ds elapsed)", attempt+1, attempts, elapsed))
		}

		if attempt < attempts-1 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	sink.OnStep(progress.StepSSH, types.StepFailed, "vm never became reachable over ssh")
	return types.E(types.ErrTimeout, nil, "ssh not reachable at %s:%d", host, port).
		WithStep(progress.FailureSSHUnreachable)
}

// pushCode ships the code bundle, seeds the workspace, writes extras
// and the env file. Shared by both deployment modes.
func (d *Deployer) pushCode(ctx context.Context, runner sshexec.Runner, l layout, spec types.DeployConfig, sink progress.Sink) error {
	logger := log.WithAgent(spec.AgentID)
	module := filepath.Base(spec.SourceDir)

	tryRun(ctx, runner, quickTimeout, "mkdir -p "+l.AppDir())

	tctx, cancel := context.WithTimeout(ctx, transferTimeout)
	err := runner.TransferTree(tctx, spec.SourceDir, l.AppDir())
	cancel()
	if err != nil {
		sink.OnStep(progress.StepEnvironment, types.StepFailed, "code transfer failed")
		return types.E(types.ErrRemoteExec, err, "failed to transfer agent code").
			WithStep(progress.FailureCodeTransfer)
	}

	tryRun(ctx, runner, quickTimeout, seedWorkspaceCmd(l, module))

	if len(spec.Extras) > 0 {
		d.writeExtras(ctx, runner, l, spec.Extras)
	} else {
		tryRun(ctx, runner, quickTimeout, copyBundledSkillsCmd(l, module))
	}

	tryRun(ctx, runner, time.Minute, topUpPackagesCmd(l, d.cfg.PipPackages))

	sink.OnStep(progress.StepEnvironment, types.StepRunning, "configuring environment")
	if err := runner.WriteFile(ctx, l.EnvFile(), []byte(envFileContent(spec.Env))); err != nil {
		logger.Warn().Err(err).Msg("env file write failed")
	}

	return nil
}

// writeExtras lands caller-supplied files under the workspace. Failures
// are logged, not fatal: extras are additive content like skills.
func (d *Deployer) writeExtras(ctx context.Context, runner sshexec.Runner, l layout, extras map[string][]byte) {
	logger := log.WithComponent("deployer")

	names := make([]string, 0, len(extras))
	for name := range extras {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		remote := l.Workspace() + "/" + path.Clean(name)
		tryRun(ctx, runner, quickTimeout, "mkdir -p "+sshexec.Quote(path.Dir(remote)))
		if err := runner.WriteFile(ctx, remote, extras[name]); err != nil {
			logger.Warn().Err(err).Str("extra", name).Msg("extra file write failed")
		}
	}
}

// startService writes the unit and brings the agent up under systemd.
func (d *Deployer) startService(ctx context.Context, runner sshexec.Runner, l layout, spec types.DeployConfig, restart bool, sink progress.Sink) error {
	logger := log.WithAgent(spec.AgentID)
	module := filepath.Base(spec.SourceDir)

	unit := unitContent(l, spec.AgentID, module, spec.ListenPort)
	if err := runner.WriteFile(ctx, l.UnitFile(), []byte(unit)); err != nil {
		logger.Warn().Err(err).Msg("unit file write failed")
	}

	if err := runOK(ctx, runner, quickTimeout, startServiceCmd(l.svc, restart)); err != nil {
		sink.OnStep(progress.StepService, types.StepFailed, "service start failed")
		return types.E(types.ErrRemoteExec, err, "agent service failed to start").
			WithStep(progress.FailureServiceStart)
	}
	return nil
}

// resolveFQDN picks the caller's domain when given one and asks the
// gateway otherwise.
func (d *Deployer) resolveFQDN(ctx context.Context, instanceHash string, spec types.DeployConfig) (string, error) {
	if spec.FQDN != "" {
		return spec.FQDN, nil
	}

	subdomain, err := d.gateway.ResolveSubdomain(ctx, instanceHash)
	if err != nil || subdomain == "" {
		return "", types.E(types.ErrTransport, err, "could not resolve gateway subdomain for %s", instanceHash).
			WithStep(progress.FailureSubdomain)
	}
	return d.gateway.FQDN(subdomain), nil
}

// ensureProxyInstalled installs Caddy unless it is already present.
func (d *Deployer) ensureProxyInstalled(ctx context.Context, runner sshexec.Runner) error {
	if runs(ctx, runner, quickTimeout, "which caddy") {
		return nil
	}
	if err := runOK(ctx, runner, proxyInstallTimeout, caddyInstallCmd); err != nil {
		return types.E(types.ErrRemoteExec, err, "proxy install failed").
			WithStep(progress.FailureProxyStart)
	}
	return nil
}

// startProxy writes the Caddyfile and (re)starts Caddy under it.
func (d *Deployer) startProxy(ctx context.Context, runner sshexec.Runner, fqdn string, port int) error {
	logger := log.WithComponent("deployer")

	if err := runner.WriteFile(ctx, "/etc/caddy/Caddyfile", []byte(caddyfileContent(fqdn, port))); err != nil {
		logger.Warn().Err(err).Msg("caddyfile write failed")
	}

	if err := runOK(ctx, runner, quickTimeout, startProxyCmd); err != nil {
		return types.E(types.ErrRemoteExec, err, "proxy failed to start").
			WithStep(progress.FailureProxyStart)
	}
	return nil
}

// verifyEndpoint polls the public URL until it answers or the budget
// runs out. Never fatal: TLS issuance can lag the deployment by more
// than any sensible budget, so a miss is only logged.
func (d *Deployer) verifyEndpoint(ctx context.Context, fqdn string) {
	budget := d.cfg.HealthTimeout.Std()
	if budget <= 0 {
		return
	}

	logger := log.WithComponent("deployer")
	checker := health.NewHTTPChecker("https://" + fqdn + "/").
		WithStatusRange(200, 499).
		WithTimeout(sshQuickTimeout)
	deadline := time.Now().Add(budget)

	for {
		result := checker.Check(ctx)
		if result.Healthy {
			logger.Info().Str("fqdn", fqdn).Msg("public endpoint verified")
			return
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			logger.Warn().Str("fqdn", fqdn).Str("result", result.Message).
				Msg("public endpoint not verifiable yet, tls certificate may still be issuing")
			return
		}
		if sleep(ctx, 5*time.Second) != nil {
			return
		}
	}
}

func (d *Deployer) applyDefaults(spec *types.DeployConfig) {
	if spec.ServiceName == "" {
		spec.ServiceName = d.cfg.ServiceName
	}
	if spec.ListenPort == 0 {
		spec.ListenPort = d.cfg.ListenPort
	}
}

// runOK runs command under timeout and fails on a nonzero exit,
// reporting the first stderr line.
func runOK(ctx context.Context, runner sshexec.Runner, timeout time.Duration, command string) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := runner.Exec(cctx, command)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("exit %d: %s", res.ExitCode, firstLine(res.Stderr))
	}
	return nil
}

// runs reports whether command exits zero.
func runs(ctx context.Context, runner sshexec.Runner, timeout time.Duration, command string) bool {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := runner.Exec(cctx, command)
	return err == nil && res.ExitCode == 0
}

// tryRun runs a best-effort command, ignoring its outcome.
func tryRun(ctx context.Context, runner sshexec.Runner, timeout time.Duration, command string) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, _ = runner.Exec(cctx, command)
}

func orNop(sink progress.Sink) progress.Sink {
	if sink == nil {
		return progress.Nop()
	}
	return sink
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// sleep waits for d unless ctx is canceled first.
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
