package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vesselworks/flotilla/pkg/sshexec"
)

// RunnerDialer dials SSH command runners. Implemented by sshexec.Dialer.
type RunnerDialer interface {
	Dial(ctx context.Context, host string, port int) (sshexec.Runner, error)
}

// SSHChecker probes whether a VM accepts SSH and can run a trivial
// command. Every Check dials a fresh connection: during boot sshd comes
// and goes, so a cached connection would report stale state.
type SSHChecker struct {
	Dialer RunnerDialer
	Host   string
	Port   int

	// Command runs on the remote; health requires exit 0 (default: echo ready)
	Command string

	// Expect is a substring required in stdout; empty accepts any output
	Expect string

	// Timeout bounds one full dial-and-run attempt (default: 15 seconds)
	Timeout time.Duration
}

// NewSSHChecker creates an SSH readiness checker for host:port.
func NewSSHChecker(dialer RunnerDialer, host string, port int) *SSHChecker {
	return &SSHChecker{
		Dialer:  dialer,
		Host:    host,
		Port:    port,
		Command: "echo ready",
		Expect:  "ready",
		Timeout: 15 * time.Second,
	}
}

// Check dials, runs the command, and reports the outcome.
func (s *SSHChecker) Check(ctx context.Context) Result {
	start := time.Now()

	attemptCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	runner, err := s.Dialer.Dial(attemptCtx, s.Host, s.Port)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("dial failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer runner.Close()

	res, err := runner.Exec(attemptCtx, s.Command)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("command failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	healthy := res.ExitCode == 0 && (s.Expect == "" || strings.Contains(res.Stdout, s.Expect))
	message := "SSH ready"
	if !healthy {
		message = fmt.Sprintf("command exited %d", res.ExitCode)
	}

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (s *SSHChecker) Type() CheckType {
	return CheckTypeSSH
}

// WithCommand sets the probe command and clears the output expectation.
func (s *SSHChecker) WithCommand(command string) *SSHChecker {
	s.Command = command
	s.Expect = ""
	return s
}

// WithTimeout sets the per-attempt budget.
func (s *SSHChecker) WithTimeout(timeout time.Duration) *SSHChecker {
	s.Timeout = timeout
	return s
}
