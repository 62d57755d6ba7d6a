package health

import "go.uber.org/fx"

// Module wires the health probes and queue statistics endpoints.
var Module = fx.Module("health",
	fx.Provide(NewHandler, NewMetricsHandler),
	fx.Invoke(RegisterRoutes),
)
