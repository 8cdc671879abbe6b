package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Action string

const (
	ActionCreated           Action = "created"
	ActionActivated         Action = "activated"
	ActionRenewed           Action = "renewed"
	ActionAutoRenewed       Action = "auto_renewed"
	ActionAutoRenewalFailed Action = "auto_renewal_failed"
	ActionSuspended         Action = "suspended"
	ActionReactivated       Action = "reactivated"
	ActionCancelled         Action = "cancelled"
	ActionExpired           Action = "expired"
	ActionAutoRenewChanged  Action = "auto_renew_changed"
	ActionRenewalAlert      Action = "renewal_alert"
	ActionGracePeriodAlert  Action = "grace_period_alert"
	ActionInvoiceGenerated  Action = "invoice_generated"
	ActionInvoiceSent       Action = "invoice_sent"
	ActionInvoiceOverdue    Action = "invoice_overdue"
	ActionInvoiceCancelled  Action = "invoice_cancelled"
	ActionInvoiceAdjusted   Action = "invoice_adjusted"
	ActionPaymentCreated    Action = "payment_created"
	ActionPaymentCompleted  Action = "payment_completed"
	ActionPaymentFailed     Action = "payment_failed"
	ActionPaymentCancelled  Action = "payment_cancelled"
	ActionPaymentRefunded   Action = "payment_refunded"
	ActionPaymentVerified   Action = "payment_verified"
	ActionPaymentReconciled Action = "payment_reconciled"
	ActionPaymentReminder   Action = "payment_reminder"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// PerformedBySystem marks entries written by the automation engine.
const PerformedBySystem = "system"

// DefaultSeverity is used when a caller records an action without choosing one.
func DefaultSeverity(action Action) Severity {
	switch action {
	case ActionAutoRenewalFailed, ActionPaymentFailed:
		return SeverityHigh
	case ActionCancelled, ActionExpired, ActionPaymentRefunded, ActionInvoiceCancelled:
		return SeverityHigh
	case ActionSuspended, ActionGracePeriodAlert, ActionPaymentReminder, ActionInvoiceOverdue:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

type Metadata struct {
	Amount    decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"amount,omitempty"`
	Reason    string              `gorm:"type:text" json:"reason,omitempty"`
	Automatic bool                `gorm:"not null" json:"automatic"`
	Details   datatypes.JSONMap   `json:"details,omitempty"`
}

// Entry is an append-only record of one lifecycle action. The reviewed
// marker is the only field that may change after insert.
type Entry struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	SubscriptionID snowflake.ID      `gorm:"not null;index:idx_activity_subscription" json:"subscription_id"`
	ClientID       snowflake.ID      `gorm:"not null;index" json:"client_id"`
	InvoiceID      *snowflake.ID     `json:"invoice_id,omitempty"`
	PaymentID      *snowflake.ID     `json:"payment_id,omitempty"`
	Action         Action            `gorm:"type:varchar(48);not null;index" json:"action"`
	Description    string            `gorm:"type:text" json:"description"`
	PreviousValues datatypes.JSONMap `json:"previous_values,omitempty"`
	NewValues      datatypes.JSONMap `json:"new_values,omitempty"`
	Metadata       Metadata          `gorm:"embedded;embeddedPrefix:metadata_" json:"metadata"`
	PerformedBy    string            `gorm:"type:varchar(128);not null" json:"performed_by"`
	Severity       Severity          `gorm:"type:varchar(16);not null" json:"severity"`
	Timestamp      time.Time         `gorm:"not null" json:"timestamp"`
	IdempotencyKey *string           `gorm:"type:varchar(191);uniqueIndex" json:"idempotency_key,omitempty"`
	ReviewedAt     *time.Time        `json:"reviewed_at,omitempty"`
	ReviewedBy     *string           `gorm:"type:varchar(128)" json:"reviewed_by,omitempty"`
}

func (Entry) TableName() string { return "subscription_activity_logs" }

func (e Entry) Reviewed() bool { return e.ReviewedAt != nil }
