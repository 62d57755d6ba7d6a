// Package sandbox executes commands in isolated, network-restricted
// containers. Every step that touches untrusted repository code (dependency
// install, test run, type-check, generator invocation) goes through Run;
// ExecHost is reserved for local bookkeeping commands such as git plumbing
// that never execute repository code.
package sandbox

import (
	"context"
	"time"
)

const (
	// AppDir is the fixed in-sandbox mount point for the per-job host
	// directory (the clone).
	AppDir = "/app"

	// ToolchainDir is the fixed read-only mount point of the shared
	// toolchain volume.
	ToolchainDir = "/toolchain"

	// ToolchainBin is where the toolchain's executables resolve.
	ToolchainBin = ToolchainDir + "/node_modules/.bin"

	// TimeoutMarker is appended to the output of a run that was killed by
	// its deadline, so callers can distinguish timeouts from failures.
	TimeoutMarker = "TIMEOUT"
)

// RunRequest describes one sandboxed command.
type RunRequest struct {
	Command string
	Args    []string

	// HostDir is mounted read-write at /app and becomes the working
	// directory.
	HostDir string

	// Env is injected on top of NODE_PATH=/toolchain/node_modules.
	Env map[string]string

	// Timeout is the hard wall-clock bound; the container is killed when it
	// elapses. Zero means no bound.
	Timeout time.Duration

	// AllowNetwork enables outbound network. Only dependency installation
	// and generator invocation set this.
	AllowNetwork bool

	// RunAsRoot runs the command privileged. Only the toolchain bootstrap
	// sets this.
	RunAsRoot bool

	// ToolchainWritable mounts the toolchain volume read-write. Only the
	// toolchain bootstrap sets this.
	ToolchainWritable bool
}

// RunResult is the outcome of a sandboxed command. Spawn failures and
// non-zero exits are reported through Success/Output, never swallowed.
type RunResult struct {
	Success   bool
	Output    string
	Truncated bool
}

// TimedOut reports whether the run was killed by its deadline.
func (r *RunResult) TimedOut() bool {
	return len(r.Output) >= len(TimeoutMarker) && r.Output[len(r.Output)-len(TimeoutMarker):] == TimeoutMarker
}

// Runner executes commands inside the sandbox.
type Runner interface {
	Run(ctx context.Context, req RunRequest) *RunResult
}

// HostCommand describes a command executed directly on the host.
type HostCommand struct {
	Command   string
	Args      []string
	Dir       string
	Timeout   time.Duration
	MaxBuffer int
	Env       map[string]string
}

// HostResult holds the separated output of a host command.
type HostResult struct {
	Stdout string
	Stderr string
}

// HostRunner executes bookkeeping commands on the host.
type HostRunner interface {
	ExecHost(ctx context.Context, cmd HostCommand) (*HostResult, error)
}
