// Package automation runs the daily billing pass: renewal alerts, expiry,
// auto-renewal, scheduled invoicing and overdue reminders.
package automation

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/billingcore/internal/activity/domain"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	"github.com/smallbiznis/billingcore/internal/lock"
	"github.com/smallbiznis/billingcore/internal/notification"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	"github.com/smallbiznis/billingcore/internal/observability/tracing"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"github.com/smallbiznis/billingcore/pkg/apperror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const runLockKey = "billing:automation:run"

var ErrRunInProgress = apperror.New(apperror.KindConcurrency, "automation_running", "another automation run is in progress")

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Automation    config.AutomationSource
	Subscriptions subscriptiondomain.Service
	Invoices      invoicedomain.Service
	Activity      activitydomain.Service
	Notifier      notification.Notifier      `optional:"true"`
	Locker        lock.Locker                `optional:"true"`
	Metrics       *metrics.AutomationMetrics `optional:"true"`
}

type Engine struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	automation    config.AutomationSource
	subscriptions subscriptiondomain.Service
	invoices      invoicedomain.Service
	activity      activitydomain.Service
	notifier      notification.Notifier
	locker        lock.Locker
	metrics       *metrics.AutomationMetrics
}

func NewEngine(p Params) *Engine {
	return &Engine{
		db:            p.DB,
		log:           p.Log.Named("automation"),
		genID:         p.GenID,
		clock:         p.Clock,
		automation:    p.Automation,
		subscriptions: p.Subscriptions,
		invoices:      p.Invoices,
		activity:      p.Activity,
		notifier:      p.Notifier,
		locker:        p.Locker,
		metrics:       p.Metrics,
	}
}

// run is the state shared by the phases of one pass.
type run struct {
	id    string
	cfg   config.AutomationConfig
	now   time.Time
	today time.Time
	log   *zap.Logger
	tally *tally
}

// RunDailyAutomation executes one pass. Per item failures end up in the
// report; the returned error is reserved for failures of the run itself.
func (e *Engine) RunDailyAutomation(ctx context.Context) (RunReport, error) {
	cfg := e.automation.Get()
	now := e.clock.Now()
	report := RunReport{
		RunID:     e.genID.Generate().String(),
		Date:      clock.DateKey(now),
		StartedAt: now,
		Errors:    []ItemError{},
	}
	log := e.log.With(zap.String("run_id", report.RunID), zap.String("date", report.Date))

	if e.locker != nil {
		token, ok, err := e.locker.TryLock(ctx, runLockKey, cfg.LockTTL)
		if err != nil {
			e.metrics.IncRun(metrics.RunOutcomeFailed)
			return report, err
		}
		if !ok {
			e.metrics.IncRun(metrics.RunOutcomeLocked)
			log.Warn("automation.run.locked")
			return report, ErrRunInProgress
		}
		defer func() {
			if err := e.locker.Release(context.WithoutCancel(ctx), runLockKey, token); err != nil {
				log.Warn("automation.run.unlock_failed", zap.Error(err))
			}
		}()
	}

	ctx, span := tracing.Tracer().Start(ctx, "automation.run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", report.RunID), attribute.String("date", report.Date))

	r := &run{
		id:    report.RunID,
		cfg:   cfg,
		now:   now,
		today: clock.StartOfDay(now),
		log:   log,
		tally: &tally{report: &report},
	}
	log.Info("automation.run.start",
		zap.Ints("renewal_alert_days", cfg.RenewalAlertDays),
		zap.Ints("reminder_days", cfg.ReminderDays),
		zap.Bool("auto_renewal_enabled", cfg.AutoRenewalEnabled),
		zap.Int("workers", cfg.Workers),
	)

	phases := []struct {
		name string
		fn   func(context.Context, *run) error
	}{
		{PhaseRenewalAlerts, e.renewalAlerts},
		{PhaseExpiry, e.expiry},
		{PhaseAutoRenewal, e.autoRenewal},
		{PhaseScheduledInvoices, e.scheduledInvoicing},
		{PhaseOverdueReminders, e.overdueReminders},
	}

	var runErr error
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if err := e.runPhase(ctx, r, phase.name, phase.fn); err != nil {
			if ctx.Err() != nil {
				runErr = ctx.Err()
				break
			}
			r.tally.fail(ItemError{Phase: phase.name, Err: err})
		}
	}

	report.FinishedAt = e.clock.Now()
	e.metrics.ObserveRun(report.FinishedAt.Sub(report.StartedAt))

	outcome := metrics.RunOutcomeSuccess
	switch {
	case runErr != nil:
		outcome = metrics.RunOutcomeFailed
		span.SetStatus(codes.Error, runErr.Error())
	case report.HasErrors():
		outcome = metrics.RunOutcomePartial
	}
	e.metrics.IncRun(outcome)

	log.Info("automation.run.finish",
		zap.String("outcome", outcome),
		zap.Int("alerts", report.Alerts),
		zap.Int("grace_alerts", report.GraceAlerts),
		zap.Int("expirations", report.Expirations),
		zap.Int("renewals", report.Renewals),
		zap.Int("invoices", report.Invoices),
		zap.Int("reminders", report.Reminders),
		zap.Int("overdue", report.Overdue),
		zap.Int("skipped", report.Skipped),
		zap.Int("notification_failures", report.NotificationFailures),
		zap.Int("errors", len(report.Errors)),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, runErr
}

func (e *Engine) runPhase(ctx context.Context, r *run, name string, fn func(context.Context, *run) error) error {
	ctx, span := tracing.Tracer().Start(ctx, "automation."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx, r)
	e.metrics.ObservePhase(name, time.Since(start))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.log.Error("automation.phase.failed", zap.String("phase", name), zap.Error(err))
	}
	return err
}

// eachSubscription pages through subscriptions of a status and hands every
// item to fn. Items never run concurrently for the same subscription.
func (e *Engine) eachSubscription(ctx context.Context, r *run, status subscriptiondomain.Status, fn func(context.Context, *subscriptiondomain.Subscription)) error {
	var after snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := e.subscriptions.ListForAutomation(ctx, status, after, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fanOut(ctx, r.cfg.Workers, page, func(s *subscriptiondomain.Subscription) snowflake.ID { return s.ID }, fn); err != nil {
			return err
		}
		if len(page) < r.cfg.BatchSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func (e *Engine) eachOpenInvoice(ctx context.Context, r *run, fn func(context.Context, *invoicedomain.Invoice)) error {
	var after snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := e.invoices.ListOpen(ctx, after, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fanOut(ctx, r.cfg.Workers, page, func(i *invoicedomain.Invoice) snowflake.ID { return i.SubscriptionID }, fn); err != nil {
			return err
		}
		if len(page) < r.cfg.BatchSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

// fanOut partitions items over workers by subscription id. Cancellation is
// checked between items only; each item runs to completion on a context
// that ignores cancellation.
func fanOut[T any](ctx context.Context, workers int, items []T, partition func(T) snowflake.ID, fn func(context.Context, T)) error {
	if workers <= 1 {
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			fn(context.WithoutCancel(ctx), item)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		worker := uint64(w)
		g.Go(func() error {
			for _, item := range items {
				if uint64(partition(item))%uint64(workers) != worker {
					continue
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				fn(context.WithoutCancel(gctx), item)
			}
			return nil
		})
	}
	return g.Wait()
}

// item records the outcome of one processed element.
func (e *Engine) item(r *run, phase, outcome string) {
	e.metrics.AddItems(phase, outcome, 1)
	if outcome == metrics.OutcomeSkipped {
		r.tally.inc(countSkipped)
	}
}

func (e *Engine) itemFailed(r *run, itemErr ItemError) {
	e.metrics.AddItems(itemErr.Phase, metrics.OutcomeFailed, 1)
	e.metrics.IncItemError(itemErr.Phase, itemErr.Err)
	r.tally.fail(itemErr)

	fields := []zap.Field{
		zap.String("phase", itemErr.Phase),
		zap.String("subscription_id", itemErr.SubscriptionID.String()),
		zap.Error(itemErr.Err),
	}
	if itemErr.InvoiceID != nil {
		fields = append(fields, zap.String("invoice_id", itemErr.InvoiceID.String()))
	}
	r.log.Warn("automation.item.failed", fields...)
}

// alreadyApplied reports errors meaning the side effect happened before,
// either in an earlier run of the day or through a concurrent change.
func alreadyApplied(err error) bool {
	return errors.Is(err, activitydomain.ErrDuplicateAction)
}

func (e *Engine) notify(ctx context.Context, r *run, n notification.Notification) {
	if e.notifier == nil {
		return
	}
	n.OccurredAt = r.now
	if err := e.notifier.Notify(ctx, n); err != nil {
		r.tally.inc(countNotificationFailures)
		r.log.Warn("automation.notify.failed",
			zap.String("kind", string(n.Kind)),
			zap.String("subscription_id", n.SubscriptionID.String()),
			zap.Error(err),
		)
	}
}
