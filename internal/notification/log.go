package notification

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes notifications to the service log.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notification")}
}

func (n *LogNotifier) Notify(_ context.Context, notification Notification) error {
	fields := []zap.Field{
		zap.String("kind", string(notification.Kind)),
		zap.String("subscription_id", notification.SubscriptionID.String()),
		zap.String("client_id", notification.ClientID.String()),
		zap.Time("occurred_at", notification.OccurredAt),
		zap.Any("context", notification.Context),
	}
	if notification.InvoiceID != nil {
		fields = append(fields, zap.String("invoice_id", notification.InvoiceID.String()))
	}
	n.log.Info("notification.sent", fields...)
	return nil
}
