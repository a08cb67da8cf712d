package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/billingprovider"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	"github.com/smallbiznis/creditline/internal/credit"
	"github.com/smallbiznis/creditline/internal/logger"
	"github.com/smallbiznis/creditline/internal/observability"
	"github.com/smallbiznis/creditline/internal/plan"
	"github.com/smallbiznis/creditline/internal/scheduler"
	"github.com/smallbiznis/creditline/internal/subscription"
	"github.com/smallbiznis/creditline/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by the renewal sweep
		plan.Module,
		credit.Module,
		billingprovider.Module,
		subscription.Module,

		// No server module; schema is owned by cmd/creditline.
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
