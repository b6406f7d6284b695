package matrix

import "go.uber.org/fx"

var Module = fx.Module("analytics.matrix",
	fx.Provide(NewStore),
)
