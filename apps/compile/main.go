package main

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/collator/internal/analytics/compiler"
	"github.com/smallbiznis/collator/internal/analytics/cycle"
	"github.com/smallbiznis/collator/internal/analytics/ga4"
	"github.com/smallbiznis/collator/internal/analytics/matrix"
	"github.com/smallbiznis/collator/internal/analytics/snapshot"
	"github.com/smallbiznis/collator/internal/clock"
	"github.com/smallbiznis/collator/internal/config"
	"github.com/smallbiznis/collator/internal/lock"
	"github.com/smallbiznis/collator/internal/metricspush"
	"github.com/smallbiznis/collator/internal/migration"
	"github.com/smallbiznis/collator/internal/observability"
	"github.com/smallbiznis/collator/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		lock.Module,

		ga4.Module,
		snapshot.Module,
		matrix.Module,
		compiler.Module,
		cycle.Module,
		metricspush.Module,

		// No server module: one cycle, then exit.
		fx.Invoke(RunCycle),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}

// RunCycle runs a single cycle after startup, pushes metrics and shuts the
// app down with a non-zero exit code when the cycle failed.
func RunCycle(lc fx.Lifecycle, shutdowner fx.Shutdowner, driver *cycle.Driver, pusher metricspush.Pusher, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	log = log.Named("collator.compile")

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				code := 0
				status, err := driver.RunOnce(ctx)
				switch {
				case errors.Is(err, cycle.ErrLockHeld):
					log.Info("cycle running elsewhere, nothing to do")
				case err != nil:
					code = 1
					log.Error("cycle failed", zap.Uint64("cycle", status.Cycle), zap.Error(err))
				default:
					log.Info("cycle complete", zap.String("run_id", status.RunID), zap.Int64("purged_rows", status.Purged))
				}

				if pusher != nil {
					if err := pusher.Push(context.WithoutCancel(ctx)); err != nil {
						log.Warn("metrics push failed", zap.Error(err))
					}
				}
				if err := shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
					log.Error("shutdown failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
