package notification

import (
	"context"

	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(NewNotifier),
)

type Params struct {
	fx.In

	Lifecycle     fx.Lifecycle
	Config        config.Config
	Log           *zap.Logger
	Subscriptions subscriptiondomain.Service
	Metrics       *metrics.AutomationMetrics `optional:"true"`
}

// NewNotifier always logs, and additionally mails and publishes when SMTP
// or Kafka are configured.
func NewNotifier(p Params) (Notifier, error) {
	notifiers := Fanout{NewLogNotifier(p.Log)}

	if p.Config.SMTP.Enabled() {
		notifiers = append(notifiers, NewEmailNotifier(
			NewSMTPSender(p.Config.SMTP),
			MetadataRecipients{Subscriptions: p.Subscriptions},
		))
	}

	var kafka *KafkaNotifier
	if p.Config.Kafka.Enabled() {
		producer, err := NewSyncProducer(p.Config.Kafka)
		if err != nil {
			return nil, err
		}
		kafka = NewKafkaNotifier(producer, p.Config.Kafka.Topic)
		notifiers = append(notifiers, kafka)
	}

	dispatcher := NewDispatcher(notifiers, p.Log, p.Metrics, 0)
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			err := dispatcher.Close(ctx)
			if kafka != nil {
				if cerr := kafka.Close(); err == nil {
					err = cerr
				}
			}
			return err
		},
	})
	return dispatcher, nil
}
