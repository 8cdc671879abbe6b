package automation

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Cron triggers RunDailyAutomation on a cron schedule evaluated in UTC.
type Cron struct {
	engine   *Engine
	log      *zap.Logger
	schedule string
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewCron(engine *Engine, schedule string, log *zap.Logger) (*Cron, error) {
	c := &Cron{
		engine:   engine,
		log:      log.Named("automation.cron"),
		schedule: schedule,
		cron:     cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if _, err := c.cron.AddFunc(schedule, c.tick); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cron) tick() {
	report, err := c.engine.RunDailyAutomation(c.ctx)
	if err != nil {
		c.log.Error("automation.cron.run_failed", zap.String("run_id", report.RunID), zap.Error(err))
		return
	}
	if report.HasErrors() {
		c.log.Warn("automation.cron.run_partial",
			zap.String("run_id", report.RunID),
			zap.Int("errors", len(report.Errors)),
		)
	}
}

func (c *Cron) Start() {
	c.log.Info("automation.cron.start", zap.String("schedule", c.schedule))
	c.cron.Start()
}

// Stop cancels a running pass between items and waits for it to return.
func (c *Cron) Stop(ctx context.Context) error {
	c.cancel()
	done := c.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
