package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dojoflow/internal/checkout"
	"github.com/smallbiznis/dojoflow/internal/clock"
	"github.com/smallbiznis/dojoflow/internal/config"
	"github.com/smallbiznis/dojoflow/internal/dunning"
	"github.com/smallbiznis/dojoflow/internal/invoice"
	"github.com/smallbiznis/dojoflow/internal/joblock"
	"github.com/smallbiznis/dojoflow/internal/migration"
	"github.com/smallbiznis/dojoflow/internal/notifier"
	"github.com/smallbiznis/dojoflow/internal/observability"
	"github.com/smallbiznis/dojoflow/internal/payment"
	"github.com/smallbiznis/dojoflow/internal/plan"
	"github.com/smallbiznis/dojoflow/internal/promo"
	"github.com/smallbiznis/dojoflow/internal/scheduler"
	"github.com/smallbiznis/dojoflow/internal/server"
	"github.com/smallbiznis/dojoflow/internal/settings"
	"github.com/smallbiznis/dojoflow/internal/subscription"
	"github.com/smallbiznis/dojoflow/pkg/db"
	"go.uber.org/fx"
)

// The monolith: HTTP API plus the in-process scheduler loop.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		joblock.Module,
		notifier.Module,

		plan.Module,
		subscription.Module,
		promo.Module,
		invoice.Module,
		settings.Module,
		payment.Module,
		checkout.Module,
		dunning.Module,

		scheduler.Module,
		scheduler.RunModule,
		server.Module,
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
