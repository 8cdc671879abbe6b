package automation

import (
	"context"

	"github.com/smallbiznis/billingcore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("automation",
	fx.Provide(NewEngine),
)

// CronModule schedules the engine inside the process lifetime.
var CronModule = fx.Module("automation.cron",
	fx.Provide(func(engine *Engine, cfg config.Config, log *zap.Logger) (*Cron, error) {
		return NewCron(engine, cfg.AutomationSchedule, log)
	}),
	fx.Invoke(func(lc fx.Lifecycle, c *Cron) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				c.Start()
				return nil
			},
			OnStop: c.Stop,
		})
	}),
)
