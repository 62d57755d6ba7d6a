package scheduler

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/coverforge/coverforge/domain/improvejobs"
	"github.com/coverforge/coverforge/domain/repos"
	"github.com/coverforge/coverforge/pkg/logger"
)

// Module provides periodic maintenance: queue recovery, pruning, and the
// nightly full rescan. It runs in the worker process only.
var Module = fx.Module("scheduler",
	fx.Provide(
		NewConfig,
		NewScheduler,
	),
	fx.Invoke(
		RegisterTasks,
		RegisterSchedulerLifecycle,
	),
)

// TaskParams carries the dependencies the scheduled tasks close over.
type TaskParams struct {
	fx.In
	Scheduler    *Scheduler
	Store        *repos.Repository
	Jobs         *improvejobs.Repository
	ScanQueue    *repos.ScanQueue
	ImproveQueue *improvejobs.ImproveQueue
	Log          *slog.Logger
	Cfg          *Config
}

// RegisterTasks registers all scheduled tasks.
func RegisterTasks(p TaskParams) error {
	if !p.Cfg.Enabled {
		p.Log.Info("scheduler disabled, skipping task registration")
		return nil
	}

	maintenance := NewQueueMaintenanceTask(p.ScanQueue, p.ImproveQueue, p.Jobs, p.Cfg.StaleJobMinutes, p.Log)
	if err := p.Scheduler.AddIntervalTask("queue_maintenance",
		p.Cfg.QueueMaintenanceInterval, maintenance.Run); err != nil {
		p.Log.Error("failed to register queue maintenance task", logger.Error(err))
	}

	rescan := NewRescanTask(p.Store, p.ScanQueue, p.Log)
	if err := p.Scheduler.AddCronTask("full_rescan",
		p.Cfg.RescanSchedule, rescan.Run); err != nil {
		p.Log.Error("failed to register rescan task", logger.Error(err))
	}

	p.Log.Info("registered scheduled tasks",
		slog.Any("tasks", p.Scheduler.ListTasks()))
	return nil
}

// RegisterSchedulerLifecycle ties the scheduler to the fx lifecycle.
func RegisterSchedulerLifecycle(lc fx.Lifecycle, scheduler *Scheduler, cfg *Config) {
	if !cfg.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: scheduler.Start,
		OnStop:  scheduler.Stop,
	})
}
