package notification

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 10 * time.Second
)

// Dispatcher hands notifications to a background worker so callers never
// wait on a mail server or broker. Notify fails fast when the queue is full.
type Dispatcher struct {
	next    Notifier
	log     *zap.Logger
	metrics *metrics.AutomationMetrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Notification
	done   chan struct{}
}

func NewDispatcher(next Notifier, log *zap.Logger, m *metrics.AutomationMetrics, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		next:    next,
		log:     log.Named("notification.dispatcher"),
		metrics: m,
		timeout: defaultSendTimeout,
		queue:   make(chan Notification, queueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Notify(_ context.Context, n Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrQueueFull.Withf("dispatcher closed")
	}

	select {
	case d.queue <- n:
		return nil
	default:
		d.log.Warn("notification.dropped",
			zap.String("kind", string(n.Kind)),
			zap.String("subscription_id", n.SubscriptionID.String()),
		)
		d.metrics.IncNotificationFailure(string(n.Kind))
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.next.Notify(ctx, n); err != nil {
			d.log.Warn("notification.failed",
				zap.String("kind", string(n.Kind)),
				zap.String("subscription_id", n.SubscriptionID.String()),
				zap.Error(err),
			)
			d.metrics.IncNotificationFailure(string(n.Kind))
		}
		cancel()
	}
}

// Close stops accepting notifications and waits for the queue to drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
