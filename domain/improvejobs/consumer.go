package improvejobs

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/coverforge/coverforge/internal/config"
	"github.com/coverforge/coverforge/internal/jobs"
	"github.com/coverforge/coverforge/pkg/logger"
)

// Consumer drains the improve queue through the pipeline. Concurrency is
// one so at most one job holds a clone directory per worker process.
type Consumer struct {
	worker *jobs.Worker
}

// NewConsumer creates the improve queue consumer.
func NewConsumer(queue *ImproveQueue, uc *UseCase, cfg *config.Config, log *slog.Logger) *Consumer {
	wc := jobs.DefaultWorkerConfig("improve_consumer", cfg.Queues.ImproveConcurrency)
	wc.PollInterval = cfg.Queues.PollInterval

	worker := jobs.NewWorker(wc, queue.Queue, log.With(logger.Scope("improvejobs.consumer")),
		func(ctx context.Context, claimed jobs.ClaimedJob) error {
			return uc.Execute(ctx, claimed.EntityID)
		})

	return &Consumer{worker: worker}
}

// Start begins draining the queue.
func (c *Consumer) Start(ctx context.Context) error {
	return c.worker.Start(ctx)
}

// Stop waits for in-flight jobs to finish.
func (c *Consumer) Stop(ctx context.Context) error {
	return c.worker.Stop(ctx)
}

// registerConsumer ties the consumer to the fx lifecycle.
func registerConsumer(lc fx.Lifecycle, c *Consumer) {
	lc.Append(fx.Hook{
		OnStart: c.Start,
		OnStop:  c.Stop,
	})
}
