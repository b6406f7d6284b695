package cycle

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("analytics.cycle",
	fx.Provide(New),
)

// Loop runs the driver for the lifetime of the fx app.
var Loop = fx.Invoke(StartLoop)

func StartLoop(lc fx.Lifecycle, driver *Driver) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})

			go func() {
				defer close(done)
				driver.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
