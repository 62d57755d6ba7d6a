package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"

	"github.com/coverforge/coverforge/pkg/logger"
)

// ExecError is returned when a host command exits non-zero or cannot spawn.
type ExecError struct {
	Cmd    string
	Stdout string
	Stderr string
	Err    error
}

func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v: %s", e.Cmd, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// HostExec implements HostRunner with os/exec. It is only used for local
// bookkeeping commands (git plumbing) that cannot execute untrusted code.
type HostExec struct {
	log *slog.Logger
}

// NewHostExec creates a HostExec.
func NewHostExec(log *slog.Logger) *HostExec {
	return &HostExec{log: log.With(logger.Scope("hostexec"))}
}

// ExecHost runs the command, capturing stdout and stderr separately. Output
// beyond MaxBuffer on either stream fails the call.
func (h *HostExec) ExecHost(ctx context.Context, cmd HostCommand) (*HostResult, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Command, cmd.Args...)
	c.Dir = cmd.Dir

	if len(cmd.Env) > 0 {
		env := os.Environ()
		keys := make([]string, 0, len(cmd.Env))
		for k := range cmd.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+cmd.Env[k])
		}
		c.Env = env
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()

	result := &HostResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if cmd.MaxBuffer > 0 && (stdout.Len() > cmd.MaxBuffer || stderr.Len() > cmd.MaxBuffer) {
		return nil, &ExecError{
			Cmd:    cmd.Command,
			Stdout: truncate(result.Stdout, 1024),
			Stderr: truncate(result.Stderr, 1024),
			Err:    fmt.Errorf("output exceeded %d bytes", cmd.MaxBuffer),
		}
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", cmd.Timeout, err)
		}
		return nil, &ExecError{
			Cmd:    cmd.Command,
			Stdout: result.Stdout,
			Stderr: result.Stderr,
			Err:    err,
		}
	}

	return result, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
