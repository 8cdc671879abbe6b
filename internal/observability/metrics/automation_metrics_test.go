package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/billingcore/pkg/apperror"
	"gorm.io/gorm"
)

func TestClassifyReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: ReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: ReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: ReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: ReasonUniqueViolation},
		{name: "invalid_state", err: fmt.Errorf("renew: %w", apperror.New(apperror.KindInvalidState, "x", "y")), want: "invalid_state"},
		{name: "unknown", err: errors.New("boom"), want: ReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAutomationMetricsLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewAutomationMetrics(registry, Config{ServiceName: "billingcore", Environment: "test"})

	m.AddItems("auto_renewal", OutcomeProcessed, 3)
	m.IncRun(RunOutcomeSuccess)
	m.ObservePhase("auto_renewal", 250*time.Millisecond)

	if got := testutil.ToFloat64(m.items.WithLabelValues("auto_renewal", OutcomeProcessed)); got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	runs := findFamily(families, "billing_automation_runs_total")
	if runs == nil || len(runs.GetMetric()) != 1 {
		t.Fatalf("expected one runs series")
	}
	labels := map[string]string{}
	for _, lp := range runs.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	if labels["service"] != "billingcore" || labels["env"] != "test" || labels["outcome"] != RunOutcomeSuccess {
		t.Fatalf("unexpected labels %v", labels)
	}
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *AutomationMetrics
	m.IncRun(RunOutcomeFailed)
	m.AddItems("x", OutcomeFailed, 1)
	m.IncItemError("x", errors.New("boom"))
	m.IncNotificationFailure("renewal_alert")
}

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}
