package deployer

import (
	"fmt"
	"sort"
	"strings"
)

// layout is the on-VM filesystem contract for one agent service. The
// service root doubles as the Python virtualenv, so /opt/<svc>/bin
// holds the interpreter and /opt/<svc>/app holds the code.
type layout struct {
	svc string
}

func newLayout(svc string) layout { return layout{svc: svc} }

func (l layout) Root() string      { return "/opt/" + l.svc }
func (l layout) AppDir() string    { return l.Root() + "/app" }
func (l layout) Workspace() string { return l.Root() + "/workspace" }
func (l layout) EnvFile() string   { return l.AppDir() + "/.env" }
func (l layout) Python() string    { return l.Root() + "/bin/python3" }
func (l layout) Pip() string       { return l.Root() + "/bin/pip" }
func (l layout) Uvicorn() string   { return l.Root() + "/bin/uvicorn" }
func (l layout) UnitFile() string  { return "/etc/systemd/system/" + l.svc + ".service" }

// sentinelCmd exits zero only on a VM whose environment was already
// prepared. The interpreter inside the venv is the cheapest reliable
// marker.
func (l layout) sentinelCmd() string { return "test -x " + l.Python() }

// installEnvCmd installs Python, creates the venv at the service root,
// and installs the agent's runtime packages into it.
func installEnvCmd(l layout, packages []string) string {
	return "apt-get update -qq && " +
		"apt-get install -y -qq python3 python3-pip python3-venv && " +
		"python3 -m venv " + l.Root() + " && " +
		l.Pip() + " install " + strings.Join(packages, " ")
}

// topUpPackagesCmd reinstalls the package set quietly. VMs prepared
// before a package was added to the list pick it up here; on current
// VMs pip resolves everything as satisfied in a couple of seconds.
func topUpPackagesCmd(l layout, packages []string) string {
	return l.Pip() + " install -q " + strings.Join(packages, " ") + " 2>/dev/null || true"
}

// caddyInstallCmd installs Caddy from the cloudsmith apt repository.
const caddyInstallCmd = "apt-get update -qq && " +
	"apt-get install -y -qq debian-keyring debian-archive-keyring apt-transport-https curl && " +
	"curl -1sLf 'https://dl.cloudsmith.io/public/caddy/stable/gpg.key' | gpg --dearmor -o /usr/share/keyrings/caddy-stable-archive-keyring.gpg && " +
	"curl -1sLf 'https://dl.cloudsmith.io/public/caddy/stable/debian.deb.txt' | tee /etc/apt/sources.list.d/caddy-stable.list && " +
	"apt-get update -qq && apt-get install -y -qq caddy"

// startProxyCmd restarts Caddy under its freshly written config. The
// stop is best-effort since Caddy may not be running yet.
const startProxyCmd = "systemctl stop caddy 2>/dev/null; systemctl enable caddy && systemctl start caddy"

func ensureDirsCmd(l layout) string {
	return fmt.Sprintf("mkdir -p %s %s/memory %s/skills", l.AppDir(), l.Workspace(), l.Workspace())
}

// seedWorkspaceCmd copies the code bundle's memory template into the
// workspace without clobbering state from a previous deployment, then
// makes sure the workspace skeleton exists either way.
func seedWorkspaceCmd(l layout, module string) string {
	return fmt.Sprintf("cp -rn %s/%s/workspace/memory %s/memory 2>/dev/null; mkdir -p %s/memory %s/skills",
		l.AppDir(), module, l.Workspace(), l.Workspace(), l.Workspace())
}

// copyBundledSkillsCmd copies skills shipped inside the code bundle,
// used when the deployment does not select skills explicitly.
func copyBundledSkillsCmd(l layout, module string) string {
	return fmt.Sprintf("cp -rn %s/%s/workspace/skills/* %s/skills/ 2>/dev/null || true",
		l.AppDir(), module, l.Workspace())
}

func startServiceCmd(svc string, restart bool) string {
	verb := "start"
	if restart {
		verb = "restart"
	}
	return fmt.Sprintf("systemctl daemon-reload && systemctl enable %s && systemctl %s %s", svc, verb, svc)
}

// envFileContent renders KEY=VALUE lines in sorted key order so the
// file is deterministic across deployments.
func envFileContent(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte('\n')
	}
	return b.String()
}

// unitContent renders the systemd unit that runs the agent via uvicorn,
// bound to loopback only. Caddy is the sole public entrypoint.
func unitContent(l layout, agentID, module string, port int) string {
	return fmt.Sprintf(`[Unit]
Description=Flotilla agent %s
After=network.target

[Service]
Type=simple
WorkingDirectory=%s
EnvironmentFile=%s
Environment=PYTHONPATH=%s
ExecStart=%s %s.main:app --host 127.0.0.1 --port %d
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
`, agentID, l.AppDir(), l.EnvFile(), l.AppDir(), l.Uvicorn(), module, port)
}

// caddyfileContent renders the reverse-proxy config. Caddy provisions
// the TLS certificate for the site address on its own.
func caddyfileContent(fqdn string, port int) string {
	return fmt.Sprintf("%s {\n    reverse_proxy localhost:%d\n}\n", fqdn, port)
}
