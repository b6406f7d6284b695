package ga4

import (
	"context"

	"github.com/smallbiznis/collator/internal/clock"
	"github.com/smallbiznis/collator/internal/config"
	obsmetrics "github.com/smallbiznis/collator/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("analytics.ga4",
	fx.Provide(provideRunner),
	fx.Provide(provideClient),
)

type Params struct {
	fx.In

	Config  config.Config
	Tuning  *config.CollationConfigHolder
	Runner  Runner
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *obsmetrics.CollationMetrics `optional:"true"`
}

func provideRunner(cfg config.Config) (Runner, error) {
	return NewServiceRunner(context.Background(), cfg.Analytics.SecretPath)
}

func provideClient(p Params) *Client {
	return NewClient(p.Runner, Config{
		Property:          p.Config.Analytics.PropertyID,
		PageSize:          p.Tuning.Get().PageSize,
		Zone:              p.Config.Collation.Zone,
		RequestsPerSecond: p.Config.Analytics.RequestsPerSecond,
	}, p.Clock, p.Log, p.Metrics)
}
