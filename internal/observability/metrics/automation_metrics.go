package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/billingcore/pkg/apperror"
	"gorm.io/gorm"
)

const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

const (
	RunOutcomeSuccess = "success"
	RunOutcomePartial = "partial"
	RunOutcomeLocked  = "locked"
	RunOutcomeFailed  = "failed"
)

const (
	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonDBLockTimeout        = "db_lock_timeout"
	ReasonSerializationFailure = "serialization_failure"
	ReasonUniqueViolation      = "unique_violation"
	ReasonUnknown              = "unknown"
)

type Config struct {
	ServiceName string
	Environment string
}

// AutomationMetrics exposes the health of the daily billing automation run.
type AutomationMetrics struct {
	runs                 *prometheus.CounterVec
	runDuration          prometheus.Histogram
	phaseDuration        *prometheus.HistogramVec
	items                *prometheus.CounterVec
	itemErrors           *prometheus.CounterVec
	notificationFailures *prometheus.CounterVec
}

func NewAutomationMetrics(registerer prometheus.Registerer, cfg Config) *AutomationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "billingcore"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billing_automation_runs_total",
		Help:        "Daily automation runs by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "billing_automation_run_duration_seconds",
		Help:        "Wall time of a full automation run.",
		Buckets:     []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		ConstLabels: constLabels,
	})
	phaseDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "billing_automation_phase_duration_seconds",
		Help:        "Wall time of each automation phase.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	}, []string{"phase"})
	items := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billing_automation_items_total",
		Help:        "Subscriptions and invoices handled by phase and outcome.",
		ConstLabels: constLabels,
	}, []string{"phase", "outcome"})
	itemErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billing_automation_item_errors_total",
		Help:        "Per-item automation failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"phase", "reason"})
	notificationFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billing_notification_failures_total",
		Help:        "Notifications that could not be delivered.",
		ConstLabels: constLabels,
	}, []string{"kind"})

	registerer.MustRegister(runs, runDuration, phaseDuration, items, itemErrors, notificationFailures)

	return &AutomationMetrics{
		runs:                 runs,
		runDuration:          runDuration,
		phaseDuration:        phaseDuration,
		items:                items,
		itemErrors:           itemErrors,
		notificationFailures: notificationFailures,
	}
}

func (m *AutomationMetrics) IncRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *AutomationMetrics) ObserveRun(d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
}

func (m *AutomationMetrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *AutomationMetrics) AddItems(phase, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.items.WithLabelValues(phase, outcome).Add(float64(count))
}

func (m *AutomationMetrics) IncItemError(phase string, err error) {
	if m == nil || err == nil {
		return
	}
	m.itemErrors.WithLabelValues(phase, ClassifyReason(err)).Inc()
}

func (m *AutomationMetrics) IncNotificationFailure(kind string) {
	if m == nil {
		return
	}
	m.notificationFailures.WithLabelValues(kind).Inc()
}

// ClassifyReason maps an item error to a low-cardinality label.
func ClassifyReason(err error) string {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return ReasonDeadlineExceeded
	case hasPGCode(err, "55P03"):
		return ReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return ReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505"):
		return ReasonUniqueViolation
	}
	if kind := apperror.KindOf(err); kind != apperror.KindInternal {
		return string(kind)
	}
	return ReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
