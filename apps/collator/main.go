package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/collator/internal/analytics/compiler"
	"github.com/smallbiznis/collator/internal/analytics/cycle"
	"github.com/smallbiznis/collator/internal/analytics/ga4"
	"github.com/smallbiznis/collator/internal/analytics/matrix"
	"github.com/smallbiznis/collator/internal/analytics/snapshot"
	"github.com/smallbiznis/collator/internal/clock"
	"github.com/smallbiznis/collator/internal/config"
	"github.com/smallbiznis/collator/internal/lock"
	"github.com/smallbiznis/collator/internal/migration"
	"github.com/smallbiznis/collator/internal/observability"
	"github.com/smallbiznis/collator/internal/server"
	"github.com/smallbiznis/collator/pkg/db"
	"go.uber.org/fx"
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

		server.Module,
		cycle.Loop,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
