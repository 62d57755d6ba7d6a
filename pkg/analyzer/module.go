package analyzer

import "go.uber.org/fx"

// Module provides the dependency analyzer.
var Module = fx.Module("analyzer",
	fx.Provide(New),
)
