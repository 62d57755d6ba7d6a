package improvejobs

import "go.uber.org/fx"

// Module wires the full HTTP-facing domain for the API process.
var Module = fx.Module("improvejobs",
	fx.Provide(
		NewRepository,
		NewImproveQueue,
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)

// WorkerModule wires the pipeline and queue consumer for the worker process.
var WorkerModule = fx.Module("improvejobs.worker",
	fx.Provide(
		NewRepository,
		NewImproveQueue,
		NewUseCase,
		NewConsumer,
	),
	fx.Invoke(registerConsumer),
)
