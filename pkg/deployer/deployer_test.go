package deployer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesselworks/flotilla/pkg/config"
	"github.com/vesselworks/flotilla/pkg/progress"
	"github.com/vesselworks/flotilla/pkg/sshexec"
	"github.com/vesselworks/flotilla/pkg/types"
)

// fakeRunner records every remote interaction. The respond hook decides
// per-command outcomes; unset, everything exits zero with "ready" on
// stdout so SSH waits and sentinel checks pass.
type fakeRunner struct {
	mu          sync.Mutex
	execs       []string
	files       map[string][]byte
	transfers   [][2]string
	transferErr error
	respond     func(command string) (sshexec.Result, error)
	closed      bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{files: make(map[string][]byte)}
}

func (f *fakeRunner) Exec(ctx context.Context, command string) (sshexec.Result, error) {
	f.mu.Lock()
	f.execs = append(f.execs, command)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(command)
	}
	return sshexec.Result{ExitCode: 0, Stdout: "ready"}, nil
}

func (f *fakeRunner) WriteFile(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

func (f *fakeRunner) TransferTree(ctx context.Context, localDir, remoteDir string) error {
	f.mu.Lock()
	f.transfers = append(f.transfers, [2]string{localDir, remoteDir})
	f.mu.Unlock()
	return f.transferErr
}

func (f *fakeRunner) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRunner) ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.execs {
		if strings.Contains(cmd, substr) {
			return true
		}
	}
	return false
}

type fakeDialer struct {
	runner *fakeRunner
	err    error
}

func (f *fakeDialer) Dial(ctx context.Context, host string, port int) (sshexec.Runner, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.runner, nil
}

type fakeGateway struct {
	sub      string
	err      error
	resolved int
}

func (g *fakeGateway) ResolveSubdomain(ctx context.Context, instanceHash string) (string, error) {
	g.resolved++
	return g.sub, g.err
}

func (g *fakeGateway) FQDN(subdomain string) string {
	return subdomain + ".2n6.me"
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []string // "step/status"
}

func (s *sinkRecorder) OnStep(step string, status types.StepStatus, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, step+"/"+string(status))
}

func (s *sinkRecorder) has(step string, status types.StepStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == step+"/"+string(status) {
			return true
		}
	}
	return false
}

func testDeployConfig() config.DeployConfig {
	return config.DeployConfig{
		SSHUser:          "root",
		SSHWaitAttempts:  3,
		SSHWaitDelay:     config.Duration(time.Millisecond),
		SSHQuickAttempts: 2,
		SSHQuickDelay:    config.Duration(time.Millisecond),
		CommandTimeout:   config.Duration(30 * time.Second),
		ServiceName:      "flotilla-agent",
		ListenPort:       8080,
		PipPackages:      []string{"fastapi", "uvicorn"},
		HealthTimeout:    0, // endpoint verification is exercised separately
	}
}

func testInstance() types.Instance {
	return types.Instance{
		InstanceHash: "hash123",
		CRNURL:       "https://crn.example.com",
		VMIP:         "203.0.113.5",
		SSHPort:      22,
	}
}

func testSpec() types.DeployConfig {
	return types.DeployConfig{
		AgentID:   "agent-1",
		SourceDir: "/src/flotilla_agent",
		Env: map[string]string{
			"AGENT_NAME": "demo",
			"MODEL":      "hermes",
			"PORT":       "8080",
		},
	}
}

// TestDeployFullOnPreparedVM tests the full flow against a VM whose
// environment was prepared earlier
func TestDeployFullOnPreparedVM(t *testing.T) {
	runner := newFakeRunner()
	gateway := &fakeGateway{sub: "brave-fox"}
	d := New(&fakeDialer{runner: runner}, gateway, testDeployConfig())
	sink := &sinkRecorder{}

	url, err := d.DeployFull(context.Background(), testInstance(), testSpec(), sink)
	require.NoError(t, err)
	assert.Equal(t, "https://brave-fox.2n6.me", url)

	// Sentinel consulted, install skipped.
	assert.True(t, runner.ran("test -x /opt/flotilla-agent/bin/python3"))
	assert.False(t, runner.ran("python3 -m venv"))

	// Code landed in the app dir.
	require.Len(t, runner.transfers, 1)
	assert.Equal(t, "/src/flotilla_agent", runner.transfers[0][0])
	assert.Equal(t, "/opt/flotilla-agent/app", runner.transfers[0][1])

	// Env file is sorted and complete.
	env := string(runner.files["/opt/flotilla-agent/app/.env"])
	assert.Equal(t, "AGENT_NAME=demo\nMODEL=hermes\nPORT=8080\n", env)

	// Unit points uvicorn at the transferred module.
	unit := string(runner.files["/etc/systemd/system/flotilla-agent.service"])
	assert.Contains(t, unit, "ExecStart=/opt/flotilla-agent/bin/uvicorn flotilla_agent.main:app --host 127.0.0.1 --port 8080")
	assert.Contains(t, unit, "EnvironmentFile=/opt/flotilla-agent/app/.env")

	// Service started (not restarted) and proxy configured.
	assert.True(t, runner.ran("systemctl enable flotilla-agent && systemctl start flotilla-agent"))
	caddyfile := string(runner.files["/etc/caddy/Caddyfile"])
	assert.Equal(t, "brave-fox.2n6.me {\n    reverse_proxy localhost:8080\n}\n", caddyfile)
	assert.True(t, runner.ran("systemctl enable caddy && systemctl start caddy"))

	assert.True(t, sink.has(progress.StepSSH, types.StepDone))
	assert.True(t, sink.has(progress.StepEnvironment, types.StepDone))
	assert.True(t, sink.has(progress.StepService, types.StepDone))
}

// TestDeployFullInstallsWhenBlank tests dependency and proxy installs on
// an unprepared VM
func TestDeployFullInstallsWhenBlank(t *testing.T) {
	runner := newFakeRunner()
	runner.respond = func(command string) (sshexec.Result, error) {
		switch {
		case strings.HasPrefix(command, "test -x"):
			return sshexec.Result{ExitCode: 1}, nil
		case command == "which caddy":
			return sshexec.Result{ExitCode: 1}, nil
		default:
			return sshexec.Result{ExitCode: 0, Stdout: "ready"}, nil
		}
	}
	d := New(&fakeDialer{runner: runner}, &fakeGateway{sub: "brave-fox"}, testDeployConfig())

	_, err := d.DeployFull(context.Background(), testInstance(), testSpec(), nil)
	require.NoError(t, err)

	assert.True(t, runner.ran("python3 -m venv /opt/flotilla-agent"))
	assert.True(t, runner.ran("pip install fastapi uvicorn"))
	assert.True(t, runner.ran("cloudsmith.io/public/caddy"))
}

// TestDeployFullSSHTimeout tests the error and tag when the VM never
// answers SSH
func TestDeployFullSSHTimeout(t *testing.T) {
	runner := newFakeRunner()
	runner.respond = func(command string) (sshexec.Result, error) {
		return sshexec.Result{}, errors.New("connection refused")
	}
	d := New(&fakeDialer{runner: runner}, &fakeGateway{sub: "x"}, testDeployConfig())
	sink := &sinkRecorder{}

	_, err := d.DeployFull(context.Background(), testInstance(), testSpec(), sink)
	require.Error(t, err)

	var oerr *types.Error
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, types.ErrTimeout, oerr.Kind)
	assert.Equal(t, progress.FailureSSHUnreachable, oerr.Step)
	assert.True(t, sink.has(progress.StepSSH, types.StepFailed))
}

// TestDeployFullDepsInstallFailure tests the tag when the package
// install fails on a blank VM
func TestDeployFullDepsInstallFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.respond = func(command string) (sshexec.Result, error) {
		switch {
		case strings.HasPrefix(command, "test -x"):
			return sshexec.Result{ExitCode: 1}, nil
		case strings.HasPrefix(command, "apt-get update"):
			return sshexec.Result{ExitCode: 100, Stderr: "E: dpkg was interrupted\ndetails"}, nil
		default:
			return sshexec.Result{ExitCode: 0, Stdout: "ready"}, nil
		}
	}
	d := New(&fakeDialer{runner: runner}, &fakeGateway{sub: "x"}, testDeployConfig())
	sink := &sinkRecorder{}

	_, err := d.DeployFull(context.Background(), testInstance(), testSpec(), sink)
	require.Error(t, err)

	var oerr *types.Error
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, types.ErrRemoteExec, oerr.Kind)
	assert.Equal(t, progress.FailureDepsInstall, oerr.Step)
	assert.Contains(t, err.Error(), "E: dpkg was interrupted")
	assert.True(t, sink.has(progress.StepEnvironment, types.StepFailed))
}

// TestDeployFullTransferFailure tests the tag when the code tar pipe
// fails
func TestDeployFullTransferFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.transferErr = errors.New("session torn down")
	d := New(&fakeDialer{runner: runner}, &fakeGateway{sub: "x"}, testDeployConfig())

	_, err := d.DeployFull(context.Background(), testInstance(), testSpec(), nil)
	require.Error(t, err)

	var oerr *types.Error
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, progress.FailureCodeTransfer, oerr.Step)
}

// TestDeployFullServiceStartFailure tests the tag when systemd refuses
// to start the agent
func TestDeployFullServiceStartFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.respond = func(command string) (sshexec.Result, error) {
		if strings.Contains(command, "systemctl start flotilla-agent") {
			return sshexec.Result{ExitCode: 1, Stderr: "Job for flotilla-agent.service failed"}, nil
		}
		return sshexec.Result{ExitCode: 0, Stdout: "ready"}, nil
	}
	d := New(&fakeDialer{runner: runner}, &fakeGateway{sub: "x"}, testDeployConfig())
	sink := &sinkRecorder{}

	_, err := d.DeployFull(context.Background(), testInstance(), testSpec(), sink)
	require.Error(t, err)

	var oerr *types.Error
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, progress.FailureServiceStart, oerr.Step)
	assert.True(t, sink.has(progress.StepService, types.StepFailed))
}

// TestDeployFullSubdomainFailure tests the tag when the gateway cannot
// resolve the instance
func TestDeployFullSubdomainFailure(t *testing.T) {
	runner := newFakeRunner()
	d := New(&fakeDialer{runner: runner}, &fakeGateway{err: errors.New("504")}, testDeployConfig())

	_, err := d.DeployFull(context.Background(), testInstance(), testSpec(), nil)
	require.Error(t, err)

	var oerr *types.Error
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, types.ErrTransport, oerr.Kind)
	assert.Equal(t, progress.FailureSubdomain, oerr.Step)
}

// TestDeployFullProxyStartFailure tests the tag when Caddy will not
// start
func TestDeployFullProxyStartFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.respond = func(command string) (sshexec.Result, error) {
		if strings.Contains(command, "systemctl start caddy") {
			return sshexec.Result{ExitCode: 1, Stderr: "caddy.service not found"}, nil
		}
		return sshexec.Result{ExitCode: 0, Stdout: "ready"}, nil
	}
	d := New(&fakeDialer{runner: runner}, &fakeGateway{sub: "x"}, testDeployConfig())

	_, err := d.DeployFull(context.Background(), testInstance(), testSpec(), nil)
	require.Error(t, err)

	var oerr *types.Error
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, progress.FailureProxyStart, oerr.Step)
}

// TestDeployCodeOnlyFastPath tests the prepared-VM path: restart verb,
// caller-supplied domain, no installs, no gateway lookup
func TestDeployCodeOnlyFastPath(t *testing.T) {
	runner := newFakeRunner()
	gateway := &fakeGateway{err: errors.New("must not be consulted")}
	d := New(&fakeDialer{runner: runner}, gateway, testDeployConfig())

	spec := testSpec()
	spec.FQDN = "custom.example.org"

	url, err := d.DeployCodeOnly(context.Background(), testInstance(), spec, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://custom.example.org", url)

	assert.Equal(t, 0, gateway.resolved)
	assert.False(t, runner.ran("python3 -m venv"))
	assert.True(t, runner.ran("systemctl enable flotilla-agent && systemctl restart flotilla-agent"))

	caddyfile := string(runner.files["/etc/caddy/Caddyfile"])
	assert.Equal(t, "custom.example.org {\n    reverse_proxy localhost:8080\n}\n", caddyfile)
}

// TestDeployCodeOnlyRequiresPreparedEnv tests that the fast path refuses
// a VM whose environment was never prepared
func TestDeployCodeOnlyRequiresPreparedEnv(t *testing.T) {
	runner := newFakeRunner()
	runner.respond = func(command string) (sshexec.Result, error) {
		if strings.HasPrefix(command, "test -x") {
			return sshexec.Result{ExitCode: 1}, nil
		}
		return sshexec.Result{ExitCode: 0, Stdout: "ready"}, nil
	}
	d := New(&fakeDialer{runner: runner}, &fakeGateway{sub: "x"}, testDeployConfig())

	_, err := d.DeployCodeOnly(context.Background(), testInstance(), testSpec(), nil)
	require.Error(t, err)

	var oerr *types.Error
	require.True(t, errors.As(err, &oerr))
	assert.Equal(t, progress.FailureDepsInstall, oerr.Step)
	assert.Empty(t, runner.transfers)
}

// TestDeployExtras tests that selected extras replace the bundled-skills
// copy and land under the workspace
func TestDeployExtras(t *testing.T) {
	runner := newFakeRunner()
	d := New(&fakeDialer{runner: runner}, &fakeGateway{sub: "x"}, testDeployConfig())

	spec := testSpec()
	spec.Extras = map[string][]byte{
		"skills/web-search/SKILL.md": []byte("# web search"),
		"skills/calculator/SKILL.md": []byte("# calculator"),
	}

	_, err := d.DeployFull(context.Background(), testInstance(), spec, nil)
	require.NoError(t, err)

	assert.Equal(t, []byte("# web search"), runner.files["/opt/flotilla-agent/workspace/skills/web-search/SKILL.md"])
	assert.Equal(t, []byte("# calculator"), runner.files["/opt/flotilla-agent/workspace/skills/calculator/SKILL.md"])
	assert.False(t, runner.ran("cp -rn /opt/flotilla-agent/app/flotilla_agent/workspace/skills"))
}

// TestDeployBundledSkillsFallback tests the no-extras path copying
// skills shipped with the code bundle
func TestDeployBundledSkillsFallback(t *testing.T) {
	runner := newFakeRunner()
	d := New(&fakeDialer{runner: runner}, &fakeGateway{sub: "x"}, testDeployConfig())

	_, err := d.DeployFull(context.Background(), testInstance(), testSpec(), nil)
	require.NoError(t, err)

	assert.True(t, runner.ran("cp -rn /opt/flotilla-agent/app/flotilla_agent/workspace/skills/*"))
}

// TestPrepareEnvironment tests the pool preparation flow
func TestPrepareEnvironment(t *testing.T) {
	runner := newFakeRunner()
	runner.respond = func(command string) (sshexec.Result, error) {
		if command == "which caddy" {
			return sshexec.Result{ExitCode: 1}, nil
		}
		return sshexec.Result{ExitCode: 0, Stdout: "ready"}, nil
	}
	d := New(&fakeDialer{runner: runner}, &fakeGateway{}, testDeployConfig())

	err := d.PrepareEnvironment(context.Background(), "203.0.113.5", 22)
	require.NoError(t, err)

	assert.True(t, runner.ran("python3 -m venv /opt/flotilla-agent"))
	assert.True(t, runner.ran("cloudsmith.io/public/caddy"))
	assert.True(t, runner.ran("systemctl stop caddy"))
	assert.True(t, runner.ran("mkdir -p /opt/flotilla-agent/app /opt/flotilla-agent/workspace/memory /opt/flotilla-agent/workspace/skills"))

	// Preparation must not configure the proxy for any domain.
	_, wroteCaddyfile := runner.files["/etc/caddy/Caddyfile"]
	assert.False(t, wroteCaddyfile)
}
