// Package sshexec is the typed remote execution layer: every command,
// file write, and code transfer the deployer performs on a VM goes
// through a Runner. File content never touches a shell unescaped; writes
// ride base64 and paths are single-quoted.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/vesselworks/flotilla/pkg/types"
)

// Result is the outcome of one remote command. A non-zero exit is not an
// error at this layer; callers decide what a failed command means.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes commands on one remote host.
type Runner interface {
	// Exec runs a shell command, honoring ctx cancellation.
	Exec(ctx context.Context, command string) (Result, error)

	// WriteFile writes data to path, replacing any existing file.
	WriteFile(ctx context.Context, path string, data []byte) error

	// TransferTree ships localDir to the remote, landing it at
	// remoteDir/<basename of localDir>.
	TransferTree(ctx context.Context, localDir, remoteDir string) error

	// Close releases the connection.
	Close() error
}

// Dialer produces Runners over SSH with key auth.
type Dialer struct {
	User           string
	KeyPath        string
	ConnectTimeout time.Duration
}

// NewDialer builds a dialer with the standard 10s connect timeout.
func NewDialer(user, keyPath string) *Dialer {
	return &Dialer{
		User:           user,
		KeyPath:        keyPath,
		ConnectTimeout: 10 * time.Second,
	}
}

// Dial opens an SSH connection to host:port. Host keys are not verified:
// targets are freshly imaged VMs whose keys are generated on first boot.
func (d *Dialer) Dial(ctx context.Context, host string, port int) (Runner, error) {
	signer, err := d.loadKey()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            d.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.ConnectTimeout,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	netDialer := &net.Dialer{Timeout: d.ConnectTimeout}
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, types.E(types.ErrTransport, err, "failed to reach %s", addr)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, types.E(types.ErrTransport, err, "SSH handshake with %s failed", addr)
	}

	return &runner{client: ssh.NewClient(sshConn, chans, reqs), addr: addr}, nil
}

func (d *Dialer) loadKey() (ssh.Signer, error) {
	path := d.KeyPath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, types.E(types.ErrConfig, err, "cannot expand SSH key path %s", path)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.E(types.ErrConfig, err, "cannot read SSH key %s", path)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, types.E(types.ErrConfig, err, "cannot parse SSH key %s", path)
	}
	return signer, nil
}

type runner struct {
	client *ssh.Client
	addr   string
}

func (r *runner) Exec(ctx context.Context, command string) (Result, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return Result{}, types.E(types.ErrRemoteExec, err, "failed to open session on %s", r.addr)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		<-done
		return Result{}, types.E(types.ErrTimeout, ctx.Err(), "command timed out on %s", r.addr)
	case err := <-done:
		result := Result{
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return result, types.E(types.ErrRemoteExec, err, "command failed on %s", r.addr)
		}
		return result, nil
	}
}

func (r *runner) WriteFile(ctx context.Context, path string, data []byte) error {
	res, err := r.Exec(ctx, WriteFileCommand(data, path))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return types.E(types.ErrRemoteExec, nil,
			"write to %s exited %d: %s", path, res.ExitCode, firstLine(res.Stderr))
	}
	return nil
}

func (r *runner) TransferTree(ctx context.Context, localDir, remoteDir string) error {
	session, err := r.client.NewSession()
	if err != nil {
		return types.E(types.ErrRemoteExec, err, "failed to open session on %s", r.addr)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return types.E(types.ErrRemoteExec, err, "failed to open stdin pipe on %s", r.addr)
	}
	var stderr bytes.Buffer
	session.Stderr = &stderr

	cmd := fmt.Sprintf("mkdir -p %s && tar xzf - -C %s", Quote(remoteDir), Quote(remoteDir))
	if err := session.Start(cmd); err != nil {
		return types.E(types.ErrRemoteExec, err, "failed to start remote extract on %s", r.addr)
	}

	archiveErr := make(chan error, 1)
	go func() {
		err := writeTarGz(stdin, localDir)
		stdin.Close()
		archiveErr <- err
	}()

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		session.Close()
		<-done
		return types.E(types.ErrTimeout, ctx.Err(), "code transfer to %s timed out", r.addr)
	case err := <-done:
		if aerr := <-archiveErr; aerr != nil {
			return types.E(types.ErrRemoteExec, aerr, "failed to archive %s", localDir)
		}
		if err != nil {
			return types.E(types.ErrRemoteExec, err,
				"remote extract failed on %s: %s", r.addr, firstLine(stderr.String()))
		}
		return nil
	}
}

func (r *runner) Close() error {
	return r.client.Close()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
