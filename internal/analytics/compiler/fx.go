package compiler

import "go.uber.org/fx"

var Module = fx.Module("analytics.compiler",
	fx.Provide(NewCompiler),
)
