package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusSent      Status = "sent"
	StatusPaid      Status = "paid"
	StatusOverdue   Status = "overdue"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// Closed statuses no longer expect money from the client.
func (s Status) Closed() bool {
	return s == StatusPaid || s == StatusCancelled || s == StatusRefunded
}

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPartial  PaymentStatus = "partial"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

type BillingPeriod struct {
	Start time.Time `gorm:"not null" json:"start"`
	End   time.Time `gorm:"not null" json:"end"`
}

type Amount struct {
	Subtotal decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"subtotal"`
	Discount decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"discount"`
	Tax      decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"tax"`
	Total    decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"total"`
}

// Recompute derives Total from the other three parts.
func (a Amount) Recompute() Amount {
	a.Total = a.Subtotal.Sub(a.Discount).Add(a.Tax)
	return a
}

type Invoice struct {
	ID             snowflake.ID  `gorm:"primaryKey" json:"id"`
	Number         string        `gorm:"type:varchar(32);not null;uniqueIndex" json:"invoice_number"`
	SubscriptionID snowflake.ID  `gorm:"not null;uniqueIndex:ux_invoices_subscription_period,priority:1" json:"subscription_id"`
	ClientID       snowflake.ID  `gorm:"not null;index" json:"client_id"`
	BillingPeriod  BillingPeriod `gorm:"embedded;embeddedPrefix:billing_period_" json:"billing_period"`
	// PeriodKey pins one invoice per subscription billing period.
	PeriodKey      string          `gorm:"type:varchar(32);not null;uniqueIndex:ux_invoices_subscription_period,priority:2" json:"-"`
	Amount         Amount          `gorm:"embedded;embeddedPrefix:amount_" json:"amount"`
	Currency       string          `gorm:"type:varchar(3);not null" json:"currency"`
	Status         Status          `gorm:"type:varchar(16);not null;index" json:"status"`
	PaymentStatus  PaymentStatus   `gorm:"type:varchar(16);not null" json:"payment_status"`
	IssueDate      *time.Time      `json:"issue_date,omitempty"`
	DueDate        time.Time       `gorm:"not null" json:"due_date"`
	PaidAmount     decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"paid_amount"`
	PaidDate       *time.Time      `json:"paid_date,omitempty"`
	RemindersSent  int             `gorm:"not null;default:0" json:"reminders_sent"`
	LastReminderAt *time.Time      `json:"last_reminder_at,omitempty"`

	CancellationReason *string           `gorm:"type:text" json:"cancellation_reason,omitempty"`
	Notes              string            `gorm:"type:text" json:"notes,omitempty"`
	Metadata           datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt          time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"not null" json:"updated_at"`
}

func (Invoice) TableName() string { return "invoices" }

// Outstanding is what the client still owes.
func (i Invoice) Outstanding() decimal.Decimal {
	return decimal.Max(decimal.Zero, i.Amount.Total.Sub(i.PaidAmount))
}

func PeriodKey(start time.Time) string {
	return start.UTC().Format(time.RFC3339)
}
