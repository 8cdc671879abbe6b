package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/smallbiznis/billingcore/internal/config"
)

// NewSyncProducer builds a producer that waits for all in-sync replicas.
func NewSyncProducer(cfg config.KafkaConfig) (sarama.SyncProducer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.ClientID
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

// KafkaNotifier publishes notifications as JSON keyed by subscription id so
// events of one subscription stay ordered within a partition.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaNotifier(producer sarama.SyncProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic}
}

func (n *KafkaNotifier) Notify(_ context.Context, notification Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return wrapErr(fmt.Errorf("marshal notification: %w", err))
	}

	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(notification.SubscriptionID.String()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(notification.Kind)},
		},
		Timestamp: notification.OccurredAt,
	}
	if _, _, err := n.producer.SendMessage(msg); err != nil {
		return wrapErr(fmt.Errorf("publish notification: %w", err))
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}
