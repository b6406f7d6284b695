package metricspush

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/collator/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("metrics.push",
	fx.Provide(func(cfg config.Config, logger *zap.Logger) Pusher {
		return New(cfg, prometheus.DefaultGatherer, logger)
	}),
)
