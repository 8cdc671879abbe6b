package automation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	activitydomain "github.com/smallbiznis/billingcore/internal/activity/domain"
	"github.com/smallbiznis/billingcore/internal/clock"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	"github.com/smallbiznis/billingcore/internal/notification"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"github.com/smallbiznis/billingcore/pkg/apperror"
	"github.com/smallbiznis/billingcore/pkg/db"
	"go.uber.org/zap"
)

// Idempotency key kinds. Each side effect is keyed by kind, entity and day.
const (
	keyRenewalAlert      = "renewal_alert"
	keyGracePeriodAlert  = "grace_period_alert"
	keyExpired           = "expired"
	keyAutoRenewed       = "auto_renewed"
	keyAutoRenewalFailed = "auto_renewal_failed"
	keyInvoiceGenerated  = "invoice_generated"
	keyPaymentReminder   = "payment_reminder"
)

// renewalAlerts warns clients whose subscription ends exactly on one of the
// configured thresholds from today.
func (e *Engine) renewalAlerts(ctx context.Context, r *run) error {
	return e.eachSubscription(ctx, r, subscriptiondomain.StatusActive, func(ctx context.Context, sub *subscriptiondomain.Subscription) {
		endKey := clock.DateKey(sub.EndDate)
		for _, threshold := range r.cfg.RenewalAlertDays {
			if endKey != clock.DateKey(r.today.AddDate(0, 0, threshold)) {
				continue
			}

			key := activitydomain.IdempotencyKey(keyRenewalAlert, sub.ID, r.today, strconv.Itoa(threshold))
			_, inserted, err := e.activity.Record(ctx, activitydomain.RecordRequest{
				SubscriptionID: sub.ID,
				ClientID:       sub.ClientID,
				Action:         activitydomain.ActionRenewalAlert,
				Description:    fmt.Sprintf("Subscription %s expires in %d days", sub.Code, threshold),
				Details: map[string]any{
					"days_remaining": threshold,
					"end_date":       sub.EndDate.Format(time.DateOnly),
				},
				Automatic:      true,
				PerformedBy:    activitydomain.PerformedBySystem,
				IdempotencyKey: key,
				At:             r.now,
			})
			if err != nil {
				e.itemFailed(r, ItemError{Phase: PhaseRenewalAlerts, SubscriptionID: sub.ID, Err: err})
				continue
			}
			if !inserted {
				e.item(r, PhaseRenewalAlerts, metrics.OutcomeSkipped)
				continue
			}

			e.item(r, PhaseRenewalAlerts, metrics.OutcomeProcessed)
			r.tally.inc(countAlerts)
			e.notify(ctx, r, notification.Notification{
				Kind:           notification.KindRenewalAlert,
				SubscriptionID: sub.ID,
				ClientID:       sub.ClientID,
				Context: map[string]any{
					"days_remaining":  threshold,
					"end_date":        sub.EndDate.Format(time.DateOnly),
					"auto_renew":      sub.AutoRenew,
					"effective_price": subscriptiondomain.EffectivePrice(*sub).StringFixed(2),
					"currency":        sub.Currency,
				},
			})
		}
	})
}

// expiry alerts subscriptions inside their grace period and expires the ones
// past it. Subscriptions the auto-renewal phase will renew are left alone.
func (e *Engine) expiry(ctx context.Context, r *run) error {
	return e.eachSubscription(ctx, r, subscriptiondomain.StatusActive, func(ctx context.Context, sub *subscriptiondomain.Subscription) {
		if !subscriptiondomain.IsExpired(*sub, r.now) {
			return
		}
		if sub.AutoRenew && r.cfg.AutoRenewalEnabled {
			return
		}

		if subscriptiondomain.IsInGracePeriod(*sub, r.now) {
			e.graceAlert(ctx, r, sub)
			return
		}

		expired, err := e.subscriptions.Expire(ctx, subscriptiondomain.TransitionRequest{
			ID:             sub.ID,
			Reason:         "grace period ended",
			IdempotencyKey: activitydomain.IdempotencyKey(keyExpired, sub.ID, r.today),
		})
		switch {
		case alreadyApplied(err) || errors.Is(err, apperror.ErrInvalidState):
			e.item(r, PhaseExpiry, metrics.OutcomeSkipped)
			return
		case err != nil:
			e.itemFailed(r, ItemError{Phase: PhaseExpiry, SubscriptionID: sub.ID, Err: err})
			return
		}

		e.item(r, PhaseExpiry, metrics.OutcomeProcessed)
		r.tally.inc(countExpirations)
		e.notify(ctx, r, notification.Notification{
			Kind:           notification.KindSubscriptionExpired,
			SubscriptionID: expired.ID,
			ClientID:       expired.ClientID,
			Context: map[string]any{
				"end_date":         expired.EndDate.Format(time.DateOnly),
				"grace_period_end": subscriptiondomain.GracePeriodEnd(*expired).Format(time.DateOnly),
			},
		})
	})
}

func (e *Engine) graceAlert(ctx context.Context, r *run, sub *subscriptiondomain.Subscription) {
	graceEnd := subscriptiondomain.GracePeriodEnd(*sub)
	daysLeft := int(clock.StartOfDay(graceEnd).Sub(r.today).Hours() / 24)

	_, inserted, err := e.activity.Record(ctx, activitydomain.RecordRequest{
		SubscriptionID: sub.ID,
		ClientID:       sub.ClientID,
		Action:         activitydomain.ActionGracePeriodAlert,
		Description:    fmt.Sprintf("Subscription %s ended, grace period until %s", sub.Code, graceEnd.Format(time.DateOnly)),
		Details: map[string]any{
			"grace_period_end": graceEnd.Format(time.DateOnly),
			"days_left":        daysLeft,
		},
		Automatic:      true,
		PerformedBy:    activitydomain.PerformedBySystem,
		IdempotencyKey: activitydomain.IdempotencyKey(keyGracePeriodAlert, sub.ID, r.today),
		At:             r.now,
	})
	if err != nil {
		e.itemFailed(r, ItemError{Phase: PhaseExpiry, SubscriptionID: sub.ID, Err: err})
		return
	}
	if !inserted {
		e.item(r, PhaseExpiry, metrics.OutcomeSkipped)
		return
	}

	e.item(r, PhaseExpiry, metrics.OutcomeProcessed)
	r.tally.inc(countGraceAlerts)
	e.notify(ctx, r, notification.Notification{
		Kind:           notification.KindGracePeriodAlert,
		SubscriptionID: sub.ID,
		ClientID:       sub.ClientID,
		Context: map[string]any{
			"end_date":         sub.EndDate.Format(time.DateOnly),
			"grace_period_end": graceEnd.Format(time.DateOnly),
			"days_left":        daysLeft,
		},
	})
}

// autoRenewal renews ended auto-renewing subscriptions and issues the
// invoice of the new term in the same transaction. A subscription renews at
// most once per day; a long lapse catches up over consecutive runs.
func (e *Engine) autoRenewal(ctx context.Context, r *run) error {
	if !r.cfg.AutoRenewalEnabled {
		r.log.Info("automation.auto_renewal.disabled")
		return nil
	}

	return e.eachSubscription(ctx, r, subscriptiondomain.StatusActive, func(ctx context.Context, sub *subscriptiondomain.Subscription) {
		if !sub.AutoRenew || !subscriptiondomain.IsExpired(*sub, r.now) {
			return
		}

		key := activitydomain.IdempotencyKey(keyAutoRenewed, sub.ID, r.today)
		done, err := e.activity.Exists(ctx, key)
		if err != nil {
			e.itemFailed(r, ItemError{Phase: PhaseAutoRenewal, SubscriptionID: sub.ID, Err: err})
			return
		}
		if done {
			e.item(r, PhaseAutoRenewal, metrics.OutcomeSkipped)
			return
		}

		var (
			renewed subscriptiondomain.RenewResult
			invoice invoicedomain.GenerateResult
		)
		err = db.Transaction(ctx, e.db, func(ctx context.Context) error {
			var err error
			renewed, err = e.subscriptions.Renew(ctx, subscriptiondomain.TransitionRequest{
				ID:             sub.ID,
				Reason:         "automatic renewal",
				Automatic:      true,
				PerformedBy:    activitydomain.PerformedBySystem,
				IdempotencyKey: key,
			})
			if err != nil {
				return err
			}

			periodStart := renewed.PreviousEndDate
			periodEnd := renewed.Subscription.EndDate
			invoice, err = e.invoices.Generate(ctx, invoicedomain.GenerateRequest{
				SubscriptionID: sub.ID,
				PeriodStart:    &periodStart,
				PeriodEnd:      &periodEnd,
				Send:           true,
				Automatic:      true,
				PerformedBy:    activitydomain.PerformedBySystem,
				IdempotencyKey: activitydomain.IdempotencyKey(keyInvoiceGenerated, sub.ID, r.today, "renewal"),
			})
			return err
		})
		if alreadyApplied(err) {
			e.item(r, PhaseAutoRenewal, metrics.OutcomeSkipped)
			return
		}
		if err != nil {
			e.renewalFailed(ctx, r, sub, err)
			return
		}

		e.item(r, PhaseAutoRenewal, metrics.OutcomeProcessed)
		r.tally.inc(countRenewals)
		if invoice.Created {
			r.tally.inc(countInvoices)
		}

		inv := invoice.Invoice
		e.notify(ctx, r, notification.Notification{
			Kind:           notification.KindAutoRenewed,
			SubscriptionID: sub.ID,
			ClientID:       sub.ClientID,
			InvoiceID:      &inv.ID,
			Context: map[string]any{
				"previous_end_date": renewed.PreviousEndDate.Format(time.DateOnly),
				"end_date":          renewed.Subscription.EndDate.Format(time.DateOnly),
				"renewal_count":     renewed.Subscription.RenewalCount,
				"invoice_number":    inv.Number,
				"total":             inv.Amount.Total.StringFixed(2),
				"currency":          inv.Currency,
				"due_date":          inv.DueDate.Format(time.DateOnly),
			},
		})
	})
}

// renewalFailed logs the failure outside the rolled back transaction so it
// survives, then tells the client.
func (e *Engine) renewalFailed(ctx context.Context, r *run, sub *subscriptiondomain.Subscription, cause error) {
	e.itemFailed(r, ItemError{Phase: PhaseAutoRenewal, SubscriptionID: sub.ID, Err: cause})

	_, inserted, err := e.activity.Record(ctx, activitydomain.RecordRequest{
		SubscriptionID: sub.ID,
		ClientID:       sub.ClientID,
		Action:         activitydomain.ActionAutoRenewalFailed,
		Description:    fmt.Sprintf("Automatic renewal of %s failed", sub.Code),
		Reason:         apperror.Message(cause),
		Details:        map[string]any{"error_kind": string(apperror.KindOf(cause))},
		Automatic:      true,
		PerformedBy:    activitydomain.PerformedBySystem,
		IdempotencyKey: activitydomain.IdempotencyKey(keyAutoRenewalFailed, sub.ID, r.today),
		At:             r.now,
	})
	if err != nil {
		r.log.Error("automation.auto_renewal.log_failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
		return
	}
	if !inserted {
		return
	}

	e.notify(ctx, r, notification.Notification{
		Kind:           notification.KindAutoRenewalFailed,
		SubscriptionID: sub.ID,
		ClientID:       sub.ClientID,
		Context: map[string]any{
			"end_date": sub.EndDate.Format(time.DateOnly),
			"reason":   apperror.Message(cause),
		},
	})
}

// scheduledInvoicing bills the upcoming period of subscriptions whose next
// billing date is today and moves their billing pointers forward.
func (e *Engine) scheduledInvoicing(ctx context.Context, r *run) error {
	todayKey := clock.DateKey(r.today)
	return e.eachSubscription(ctx, r, subscriptiondomain.StatusActive, func(ctx context.Context, sub *subscriptiondomain.Subscription) {
		if sub.NextBillingDate == nil || clock.DateKey(*sub.NextBillingDate) != todayKey {
			return
		}
		// Nothing left to bill after the final term of a non renewing subscription.
		if !sub.AutoRenew && !sub.NextBillingDate.Before(sub.EndDate) {
			return
		}

		periodStart := *sub.NextBillingDate
		result, err := e.invoices.Generate(ctx, invoicedomain.GenerateRequest{
			SubscriptionID: sub.ID,
			PeriodStart:    &periodStart,
			Send:           true,
			AdvanceBilling: true,
			Automatic:      true,
			PerformedBy:    activitydomain.PerformedBySystem,
			IdempotencyKey: activitydomain.IdempotencyKey(keyInvoiceGenerated, sub.ID, r.today, "scheduled"),
		})
		if alreadyApplied(err) {
			e.item(r, PhaseScheduledInvoices, metrics.OutcomeSkipped)
			return
		}
		if err != nil {
			e.itemFailed(r, ItemError{Phase: PhaseScheduledInvoices, SubscriptionID: sub.ID, Err: err})
			return
		}
		if !result.Created {
			e.item(r, PhaseScheduledInvoices, metrics.OutcomeSkipped)
			return
		}

		e.item(r, PhaseScheduledInvoices, metrics.OutcomeProcessed)
		r.tally.inc(countInvoices)

		inv := result.Invoice
		e.notify(ctx, r, notification.Notification{
			Kind:           notification.KindInvoiceGenerated,
			SubscriptionID: sub.ID,
			ClientID:       sub.ClientID,
			InvoiceID:      &inv.ID,
			Context: map[string]any{
				"invoice_number": inv.Number,
				"period_start":   inv.BillingPeriod.Start.Format(time.DateOnly),
				"period_end":     inv.BillingPeriod.End.Format(time.DateOnly),
				"total":          inv.Amount.Total.StringFixed(2),
				"currency":       inv.Currency,
				"due_date":       inv.DueDate.Format(time.DateOnly),
			},
		})
	})
}

// overdueReminders flags sent invoices past due as overdue and reminds the
// client on the configured days after the due date.
func (e *Engine) overdueReminders(ctx context.Context, r *run) error {
	return e.eachOpenInvoice(ctx, r, func(ctx context.Context, inv *invoicedomain.Invoice) {
		if !invoicedomain.IsOverdue(*inv, r.now) {
			return
		}

		if inv.Status == invoicedomain.StatusSent {
			if _, err := e.invoices.MarkOverdue(ctx, inv.ID); err != nil {
				e.itemFailed(r, ItemError{Phase: PhaseOverdueReminders, SubscriptionID: inv.SubscriptionID, InvoiceID: &inv.ID, Err: err})
				return
			}
			r.tally.inc(countOverdue)
		}

		days := invoicedomain.DaysOverdue(*inv, r.now)
		if !slices.Contains(r.cfg.ReminderDays, days) {
			return
		}

		updated, err := e.invoices.RecordReminder(ctx, invoicedomain.ReminderRequest{
			ID:             inv.ID,
			DaysOverdue:    days,
			IdempotencyKey: activitydomain.IdempotencyKey(keyPaymentReminder, inv.ID, r.today),
		})
		if alreadyApplied(err) {
			e.item(r, PhaseOverdueReminders, metrics.OutcomeSkipped)
			return
		}
		if err != nil {
			e.itemFailed(r, ItemError{Phase: PhaseOverdueReminders, SubscriptionID: inv.SubscriptionID, InvoiceID: &inv.ID, Err: err})
			return
		}

		e.item(r, PhaseOverdueReminders, metrics.OutcomeProcessed)
		r.tally.inc(countReminders)
		e.notify(ctx, r, notification.Notification{
			Kind:           notification.KindPaymentReminder,
			SubscriptionID: updated.SubscriptionID,
			ClientID:       updated.ClientID,
			InvoiceID:      &updated.ID,
			Context: map[string]any{
				"invoice_number": updated.Number,
				"days_overdue":   days,
				"outstanding":    updated.Outstanding().StringFixed(2),
				"currency":       updated.Currency,
				"due_date":       updated.DueDate.Format(time.DateOnly),
				"reminders_sent": updated.RemindersSent,
			},
		})
	})
}
