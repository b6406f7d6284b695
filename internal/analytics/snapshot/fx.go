package snapshot

import (
	"github.com/smallbiznis/collator/internal/analytics/ga4"
	"go.uber.org/fx"
)

var Module = fx.Module("analytics.snapshot",
	fx.Provide(provideReporter),
	fx.Provide(NewCache),
)

func provideReporter(client *ga4.Client) Reporter {
	return client
}
