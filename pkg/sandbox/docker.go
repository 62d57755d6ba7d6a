package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/coverforge/coverforge/pkg/logger"
)

const (
	// sandboxUser is the unprivileged uid:gid commands run as. The node
	// base images ship this user.
	sandboxUser = "1000:1000"

	defaultMaxOutputBytes = 10 * 1024 * 1024
)

// DockerRunner implements Runner on the Docker API. Each Run is an
// ephemeral container: created, started, waited on, log-drained, removed.
type DockerRunner struct {
	client          client.APIClient
	log             *slog.Logger
	image           string
	toolchainVolume string
	maxOutputBytes  int
}

// DockerRunnerConfig holds construction parameters.
type DockerRunnerConfig struct {
	Image           string
	ToolchainVolume string
	MaxOutputBytes  int
}

// NewDockerRunner creates a DockerRunner from the environment's Docker
// daemon settings.
func NewDockerRunner(cfg DockerRunnerConfig, log *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}

	return &DockerRunner{
		client:          cli,
		log:             log.With(logger.Scope("sandbox")),
		image:           cfg.Image,
		toolchainVolume: cfg.ToolchainVolume,
		maxOutputBytes:  maxOutput,
	}, nil
}

// Run executes one command in an ephemeral container. The host directory is
// mounted read-write at /app, the toolchain volume read-only at /toolchain,
// and NODE_PATH points at the toolchain so jest/tsc/gemini resolve without
// per-job installation. Network is denied unless the request allows it.
func (d *DockerRunner) Run(ctx context.Context, req RunRequest) *RunResult {
	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	env := []string{"NODE_PATH=" + ToolchainDir + "/node_modules"}
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Env[k])
	}

	containerConfig := &container.Config{
		Image:      d.image,
		Cmd:        append([]string{req.Command}, req.Args...),
		WorkingDir: AppDir,
		Env:        env,
		Labels:     map[string]string{"coverforge.sandbox": "true"},
	}
	if !req.RunAsRoot {
		containerConfig.User = sandboxUser
	}

	mounts := []mount.Mount{}
	if req.HostDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: req.HostDir,
			Target: AppDir,
		})
	}
	if d.toolchainVolume != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeVolume,
			Source:   d.toolchainVolume,
			Target:   ToolchainDir,
			ReadOnly: !req.ToolchainWritable,
		})
	}

	hostConfig := &container.HostConfig{
		Mounts:        mounts,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	if !req.AllowNetwork {
		hostConfig.NetworkMode = "none"
	}

	created, err := d.client.ContainerCreate(runCtx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return &RunResult{Success: false, Output: fmt.Sprintf("sandbox spawn failed: %v", err)}
	}
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.client.ContainerRemove(removeCtx, created.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			d.log.Warn("failed to remove sandbox container",
				slog.String("container_id", shortID(created.ID)),
				logger.Error(err))
		}
	}()

	if err := d.client.ContainerStart(runCtx, created.ID, container.StartOptions{}); err != nil {
		return &RunResult{Success: false, Output: fmt.Sprintf("sandbox start failed: %v", err)}
	}

	waitCh, errCh := d.client.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)

	var exitCode int64
	timedOut := false
	select {
	case status := <-waitCh:
		exitCode = status.StatusCode
		if status.Error != nil {
			exitCode = -1
		}
	case err := <-errCh:
		if runCtx.Err() != nil {
			timedOut = true
			killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = d.client.ContainerKill(killCtx, created.ID, "KILL")
			cancel()
		} else {
			return &RunResult{Success: false, Output: fmt.Sprintf("sandbox wait failed: %v", err)}
		}
	}

	output, truncated := d.collectOutput(created.ID)

	if timedOut {
		d.log.Warn("sandbox command timed out",
			slog.String("command", req.Command),
			slog.Duration("timeout", req.Timeout))
		return &RunResult{
			Success:   false,
			Output:    output + "\n" + TimeoutMarker,
			Truncated: truncated,
		}
	}

	return &RunResult{
		Success:   exitCode == 0,
		Output:    output,
		Truncated: truncated,
	}
}

// collectOutput drains the container's combined stdout/stderr, capped at the
// configured buffer size. Collection uses a fresh context because the run
// context may already be expired.
func (d *DockerRunner) collectOutput(containerID string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reader, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return fmt.Sprintf("failed to read sandbox output: %v", err), false
	}
	defer reader.Close()

	var combined bytes.Buffer
	// Multiplexed stream: both channels land in one buffer, in order.
	_, err = stdcopy.StdCopy(&combined, &combined, io.LimitReader(reader, int64(d.maxOutputBytes)+1))
	if err != nil && err != io.EOF {
		combined.WriteString(fmt.Sprintf("\n[output read error: %v]", err))
	}

	out := combined.String()
	if len(out) > d.maxOutputBytes {
		return out[:d.maxOutputBytes], true
	}
	return out, false
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
