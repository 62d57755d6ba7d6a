package repos

import "go.uber.org/fx"

// Module wires the full HTTP-facing domain for the API process.
var Module = fx.Module("repos",
	fx.Provide(
		NewRepository,
		NewScanQueue,
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)

// StoreModule provides the persistence pieces without the HTTP surface; the
// worker process uses it for the scan consumer and scheduler.
var StoreModule = fx.Module("repos.store",
	fx.Provide(
		NewRepository,
		NewScanQueue,
	),
)
