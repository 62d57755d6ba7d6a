package sandbox

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/coverforge/coverforge/internal/config"
)

// Module provides the sandbox runner and host executor. The worker process
// additionally invokes Bootstrap at startup.
var Module = fx.Module("sandbox",
	fx.Provide(
		fx.Annotate(NewRunnerFromConfig, fx.As(new(Runner))),
		fx.Annotate(NewHostExec, fx.As(new(HostRunner))),
	),
)

// NewRunnerFromConfig builds the DockerRunner from application config.
func NewRunnerFromConfig(cfg *config.Config, log *slog.Logger) (*DockerRunner, error) {
	return NewDockerRunner(DockerRunnerConfig{
		Image:           cfg.Sandbox.Image,
		ToolchainVolume: cfg.Sandbox.ToolchainVolume,
		MaxOutputBytes:  cfg.Sandbox.MaxOutputBytes,
	}, log)
}
