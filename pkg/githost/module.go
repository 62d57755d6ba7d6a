package githost

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/coverforge/coverforge/internal/config"
	"github.com/coverforge/coverforge/pkg/sandbox"
)

// Module provides the GitHub repository host.
var Module = fx.Module("githost",
	fx.Provide(
		fx.Annotate(NewGitHubFromConfig, fx.As(new(Host))),
	),
)

// NewGitHubFromConfig builds the GitHub host from application config.
func NewGitHubFromConfig(cfg *config.Config, exec sandbox.HostRunner, log *slog.Logger) *GitHub {
	return NewGitHub(cfg.GitHub, exec, log)
}
