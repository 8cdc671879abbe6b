// Package notification delivers lifecycle notifications to clients and
// downstream systems. Delivery is best effort: failures are reported as
// notification errors and never undo the billing change that triggered them.
package notification

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/pkg/apperror"
)

type Kind string

const (
	KindRenewalAlert        Kind = "renewal_alert"
	KindGracePeriodAlert    Kind = "grace_period_alert"
	KindSubscriptionExpired Kind = "subscription_expired"
	KindAutoRenewed         Kind = "auto_renewed"
	KindAutoRenewalFailed   Kind = "auto_renewal_failed"
	KindInvoiceGenerated    Kind = "invoice_generated"
	KindPaymentReminder     Kind = "payment_reminder"
)

type Notification struct {
	Kind           Kind           `json:"kind"`
	SubscriptionID snowflake.ID   `json:"subscription_id"`
	ClientID       snowflake.ID   `json:"client_id"`
	InvoiceID      *snowflake.ID  `json:"invoice_id,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

var ErrQueueFull = apperror.New(apperror.KindNotification, "notification_queue_full", "notification queue is full")

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) && appErr.Kind == apperror.KindNotification {
		return err
	}
	return apperror.Wrap(apperror.KindNotification, "notification_failed", err)
}

// Fanout delivers to every notifier and joins their failures.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range f {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return wrapErr(errors.Join(errs...))
}
