// Package main is the entry point for the coverforge API server. It serves
// the tracked-repository and improvement-job HTTP API and owns schema
// migrations; all heavy work happens in the worker process.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/coverforge/coverforge/domain/health"
	"github.com/coverforge/coverforge/domain/improvejobs"
	"github.com/coverforge/coverforge/domain/repos"
	"github.com/coverforge/coverforge/internal/config"
	"github.com/coverforge/coverforge/internal/database"
	"github.com/coverforge/coverforge/internal/migrate"
	"github.com/coverforge/coverforge/internal/server"
	"github.com/coverforge/coverforge/pkg/githost"
	"github.com/coverforge/coverforge/pkg/logger"
	"github.com/coverforge/coverforge/pkg/sandbox"
)

func main() {
	// Load .env if present (local development); existing vars win.
	_ = godotenv.Load()

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure
		logger.Module,
		config.Module,
		database.Module,
		migrate.Module,
		server.Module,
		sandbox.Module,
		githost.Module,

		// Domain
		health.Module,
		repos.Module,
		improvejobs.Module,
	).Run()
}
