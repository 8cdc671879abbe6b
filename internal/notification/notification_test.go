package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	billingtest "github.com/smallbiznis/billingcore/internal/testutil"
	"github.com/smallbiznis/billingcore/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var occurred = time.Date(2026, 7, 1, 0, 5, 0, 0, time.UTC)

func sample(kind Kind) Notification {
	return Notification{
		Kind:           kind,
		SubscriptionID: snowflake.ID(42),
		ClientID:       snowflake.ID(7),
		Context:        map[string]any{"days_remaining": 7, "end_date": "2026-07-08"},
		OccurredAt:     occurred,
	}
}

type recorder struct {
	mu   sync.Mutex
	got  []Notification
	err  error
	wait chan struct{}
}

func (r *recorder) Notify(_ context.Context, n Notification) error {
	if r.wait != nil {
		<-r.wait
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recorder) received() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func TestRenderEveryKind(t *testing.T) {
	for kind := range subjects {
		subject, body, err := Render(sample(kind))
		require.NoError(t, err, kind)
		assert.NotEmpty(t, subject)
		assert.Contains(t, body, "42")
		assert.Contains(t, body, "2026-07-01")
		assert.Contains(t, body, "days_remaining")
	}

	_, _, err := Render(sample("unknown"))
	assert.Error(t, err)
}

func TestRenderEscapesContext(t *testing.T) {
	n := sample(KindInvoiceGenerated)
	n.Context = map[string]any{"note": "<script>alert(1)</script>"}
	_, body, err := Render(n)
	require.NoError(t, err)
	assert.NotContains(t, body, "<script>")
}

type fakeSender struct {
	to      []string
	subject string
	body    string
	err     error
}

func (s *fakeSender) Send(_ context.Context, to []string, subject, body string) error {
	s.to, s.subject, s.body = to, subject, body
	return s.err
}

type staticRecipients []string

func (r staticRecipients) Recipients(context.Context, snowflake.ID) ([]string, error) {
	return r, nil
}

func TestEmailNotifier(t *testing.T) {
	sender := &fakeSender{}
	n := NewEmailNotifier(sender, staticRecipients{"billing@example.com"})

	require.NoError(t, n.Notify(context.Background(), sample(KindRenewalAlert)))
	assert.Equal(t, []string{"billing@example.com"}, sender.to)
	assert.Equal(t, subjects[KindRenewalAlert], sender.subject)

	sender.err = errors.New("connection refused")
	err := n.Notify(context.Background(), sample(KindRenewalAlert))
	assert.ErrorIs(t, err, apperror.ErrNotification)
}

func TestEmailNotifierSkipsWithoutRecipients(t *testing.T) {
	sender := &fakeSender{}
	n := NewEmailNotifier(sender, staticRecipients{})

	require.NoError(t, n.Notify(context.Background(), sample(KindRenewalAlert)))
	assert.Empty(t, sender.subject)
}

func TestMetadataRecipients(t *testing.T) {
	st := billingtest.NewStack(t, occurred)

	single := billingtest.MonthlyRequest(occurred, "10")
	single.Metadata = map[string]any{"billing_email": " ap@example.com "}
	many := billingtest.MonthlyRequest(occurred, "10")
	many.Metadata = map[string]any{"billing_email": []any{"a@example.com", "", 3, "b@example.com"}}
	none := billingtest.MonthlyRequest(occurred, "10")

	r := MetadataRecipients{Subscriptions: st.Subscriptions}
	ctx := context.Background()

	got, err := r.Recipients(ctx, st.CreateSubscription(t, single).ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ap@example.com"}, got)

	got, err = r.Recipients(ctx, st.CreateSubscription(t, many).ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, got)

	got, err = r.Recipients(ctx, st.CreateSubscription(t, none).ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestKafkaNotifierPublishesJSON(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "billing.notifications", msg.Topic)
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "42", string(key))
		require.Len(t, msg.Headers, 1)
		assert.Equal(t, "grace_period_alert", string(msg.Headers[0].Value))

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(value, &decoded))
		assert.Equal(t, "grace_period_alert", decoded["kind"])
		assert.Equal(t, "42", decoded["subscription_id"])
		return nil
	})

	n := NewKafkaNotifier(producer, "billing.notifications")
	require.NoError(t, n.Notify(context.Background(), sample(KindGracePeriodAlert)))
	require.NoError(t, n.Close())
}

func TestKafkaNotifierFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	n := NewKafkaNotifier(producer, "billing.notifications")
	err := n.Notify(context.Background(), sample(KindAutoRenewed))
	assert.ErrorIs(t, err, apperror.ErrNotification)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, n.Close())
}

func TestFanoutJoinsFailures(t *testing.T) {
	ok := &recorder{}
	failing := &recorder{err: errors.New("smtp down")}

	err := Fanout{ok, failing}.Notify(context.Background(), sample(KindPaymentReminder))
	assert.ErrorIs(t, err, apperror.ErrNotification)
	assert.Len(t, ok.received(), 1, "a failure does not stop the other notifiers")
	assert.Len(t, failing.received(), 1)

	assert.NoError(t, Fanout{ok}.Notify(context.Background(), sample(KindPaymentReminder)))
}

func TestDispatcherDeliversAndDrains(t *testing.T) {
	next := &recorder{}
	d := NewDispatcher(next, zap.NewNop(), nil, 8)

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Notify(context.Background(), sample(KindInvoiceGenerated)))
	}
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, next.received(), 5)

	err := d.Notify(context.Background(), sample(KindInvoiceGenerated))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDispatcherQueueFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewAutomationMetrics(reg, metrics.Config{ServiceName: "test", Environment: "test"})

	next := &recorder{wait: make(chan struct{})}
	d := NewDispatcher(next, zap.NewNop(), m, 1)

	// The worker picks up the first item and blocks; the second fills the queue.
	require.NoError(t, d.Notify(context.Background(), sample(KindAutoRenewalFailed)))
	assert.Eventually(t, func() bool {
		return d.Notify(context.Background(), sample(KindAutoRenewalFailed)) == nil
	}, time.Second, 5*time.Millisecond)

	err := d.Notify(context.Background(), sample(KindAutoRenewalFailed))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, apperror.ErrNotification)
	count, err := testutil.GatherAndCount(reg, "billing_notification_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	close(next.wait)
	require.NoError(t, d.Close(context.Background()))
}
