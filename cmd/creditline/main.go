package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/billingprovider"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	"github.com/smallbiznis/creditline/internal/credit"
	"github.com/smallbiznis/creditline/internal/logger"
	"github.com/smallbiznis/creditline/internal/migration"
	"github.com/smallbiznis/creditline/internal/observability"
	"github.com/smallbiznis/creditline/internal/plan"
	"github.com/smallbiznis/creditline/internal/reconciler"
	"github.com/smallbiznis/creditline/internal/scheduler"
	"github.com/smallbiznis/creditline/internal/server"
	"github.com/smallbiznis/creditline/internal/subscription"
	"github.com/smallbiznis/creditline/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional Domains
		plan.Module,
		credit.Module,
		billingprovider.Module,
		subscription.Module,
		reconciler.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
