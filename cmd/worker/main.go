// Package main is the entry point for the coverforge worker. It consumes
// the scan and improvement queues, runs sandboxed verification, and drives
// the scheduler. It shares the database with the API process but serves no
// HTTP traffic.
package main

import (
	"context"
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/coverforge/coverforge/domain/generation"
	"github.com/coverforge/coverforge/domain/improvejobs"
	"github.com/coverforge/coverforge/domain/repos"
	"github.com/coverforge/coverforge/domain/scan"
	"github.com/coverforge/coverforge/domain/scheduler"
	"github.com/coverforge/coverforge/internal/config"
	"github.com/coverforge/coverforge/internal/database"
	"github.com/coverforge/coverforge/pkg/analyzer"
	"github.com/coverforge/coverforge/pkg/githost"
	"github.com/coverforge/coverforge/pkg/logger"
	"github.com/coverforge/coverforge/pkg/sandbox"
)

func main() {
	_ = godotenv.Load()

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure
		logger.Module,
		config.Module,
		database.Module,
		sandbox.Module,
		githost.Module,
		analyzer.Module,

		// Domain
		generation.Module,
		repos.StoreModule,
		improvejobs.WorkerModule,
		scan.WorkerModule,
		scheduler.Module,

		// Populate the shared toolchain volume in the background; consumers
		// fail and retry until it is ready.
		fx.Invoke(func(lc fx.Lifecycle, runner sandbox.Runner, log *slog.Logger) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					go sandbox.Bootstrap(context.WithoutCancel(ctx), runner, log)
					return nil
				},
			})
		}),
	).Run()
}
