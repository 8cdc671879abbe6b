package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/activity"
	"github.com/smallbiznis/billingcore/internal/automation"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/invoice"
	"github.com/smallbiznis/billingcore/internal/lock"
	"github.com/smallbiznis/billingcore/internal/logger"
	"github.com/smallbiznis/billingcore/internal/migration"
	"github.com/smallbiznis/billingcore/internal/notification"
	"github.com/smallbiznis/billingcore/internal/observability"
	"github.com/smallbiznis/billingcore/internal/payment"
	"github.com/smallbiznis/billingcore/internal/sequence"
	"github.com/smallbiznis/billingcore/internal/server"
	"github.com/smallbiznis/billingcore/internal/subscription"
	"github.com/smallbiznis/billingcore/pkg/db"
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
		migration.Module,
		clock.Module,
		sequence.Module,
		lock.Module,

		// Functional Domains
		activity.Module,
		subscription.Module,
		invoice.Module,
		payment.Module,
		notification.Module,
		automation.Module,
		automation.CronModule,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
