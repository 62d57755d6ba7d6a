package generation

import "go.uber.org/fx"

// Module provides the generate-validate-repair pipeline pieces.
var Module = fx.Module("generation",
	fx.Provide(
		NewValidator,
		NewGenerator,
	),
)
