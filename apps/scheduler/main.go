package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

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
	"github.com/smallbiznis/billingcore/internal/sequence"
	"github.com/smallbiznis/billingcore/internal/subscription"
	"github.com/smallbiznis/billingcore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	runOnce := flag.Bool("run-once", false, "run the daily automation once, print the report and exit")
	flag.Parse()

	options := []fx.Option{
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		sequence.Module,
		lock.Module,

		// Domain services required by the engine
		activity.Module,
		subscription.Module,
		invoice.Module,
		notification.Module,
		automation.Module,
	}

	if !*runOnce {
		// No server module!
		fx.New(append(options, automation.CronModule)...).Run()
		return
	}

	var (
		engine *automation.Engine
		log    *zap.Logger
	)
	app := fx.New(append(options, fx.Populate(&engine, &log))...)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		os.Exit(1)
	}

	report, runErr := engine.RunDailyAutomation(context.Background())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		log.Warn("scheduler.stop_failed", zap.Error(err))
	}

	if runErr != nil {
		log.Error("scheduler.run_failed", zap.Error(runErr))
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
	if report.HasErrors() {
		os.Exit(2)
	}
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
