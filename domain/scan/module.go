package scan

import "go.uber.org/fx"

// WorkerModule wires the coverage scanner and its queue consumer; only the
// worker process loads it.
var WorkerModule = fx.Module("scan.worker",
	fx.Provide(
		NewScanner,
		NewConsumer,
	),
	fx.Invoke(registerConsumer),
)
