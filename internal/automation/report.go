package automation

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	PhaseRenewalAlerts     = "renewal_alerts"
	PhaseExpiry            = "expiry"
	PhaseAutoRenewal       = "auto_renewal"
	PhaseScheduledInvoices = "scheduled_invoicing"
	PhaseOverdueReminders  = "overdue_reminders"
)

// ItemError is a failure of one subscription or invoice that did not stop
// the run.
type ItemError struct {
	Phase          string        `json:"phase"`
	SubscriptionID snowflake.ID  `json:"subscription_id"`
	InvoiceID      *snowflake.ID `json:"invoice_id,omitempty"`
	Err            error         `json:"-"`
	Message        string        `json:"error"`
}

// RunReport summarises one daily automation run.
type RunReport struct {
	RunID      string    `json:"run_id"`
	Date       string    `json:"date"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Alerts               int `json:"alerts"`
	GraceAlerts          int `json:"grace_alerts"`
	Expirations          int `json:"expirations"`
	Renewals             int `json:"renewals"`
	Invoices             int `json:"invoices"`
	Reminders            int `json:"reminders"`
	Overdue              int `json:"overdue"`
	Skipped              int `json:"skipped"`
	NotificationFailures int `json:"notification_failures"`

	Errors []ItemError `json:"errors"`
}

func (r RunReport) HasErrors() bool { return len(r.Errors) > 0 }

type counter int

const (
	countAlerts counter = iota
	countGraceAlerts
	countExpirations
	countRenewals
	countInvoices
	countReminders
	countOverdue
	countSkipped
	countNotificationFailures
)

// tally collects results from concurrent workers.
type tally struct {
	mu     sync.Mutex
	report *RunReport
}

func (t *tally) inc(c counter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch c {
	case countAlerts:
		t.report.Alerts++
	case countGraceAlerts:
		t.report.GraceAlerts++
	case countExpirations:
		t.report.Expirations++
	case countRenewals:
		t.report.Renewals++
	case countInvoices:
		t.report.Invoices++
	case countReminders:
		t.report.Reminders++
	case countOverdue:
		t.report.Overdue++
	case countSkipped:
		t.report.Skipped++
	case countNotificationFailures:
		t.report.NotificationFailures++
	}
}

func (t *tally) fail(e ItemError) {
	if e.Err != nil {
		e.Message = e.Err.Error()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.Errors = append(t.report.Errors, e)
}
