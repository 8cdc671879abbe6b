package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusProcessing        Status = "processing"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// Settled payments count towards the invoice paid amount.
func (s Status) Settled() bool {
	return s == StatusCompleted || s == StatusPartiallyRefunded
}

type Method string

const (
	MethodBankTransfer Method = "bank_transfer"
	MethodCard         Method = "card"
	MethodCash         Method = "cash"
	MethodCheque       Method = "cheque"
	MethodOnline       Method = "online"
	MethodOther        Method = "other"
)

func (m Method) Valid() bool {
	switch m {
	case MethodBankTransfer, MethodCard, MethodCash, MethodCheque, MethodOnline, MethodOther:
		return true
	}
	return false
}

type Fees struct {
	GatewayFee    decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"gateway_fee"`
	ProcessingFee decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"processing_fee"`
	Total         decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"total"`
}

type Refund struct {
	IsRefunded          bool            `gorm:"not null;default:false" json:"is_refunded"`
	RefundAmount        decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"refund_amount"`
	RefundDate          *time.Time      `json:"refund_date,omitempty"`
	RefundReason        string          `gorm:"type:text" json:"refund_reason,omitempty"`
	RefundTransactionID string          `gorm:"type:varchar(128)" json:"refund_transaction_id,omitempty"`
}

// Payment is money received against one invoice.
type Payment struct {
	ID              snowflake.ID      `gorm:"primaryKey" json:"id"`
	Number          string            `gorm:"type:varchar(32);not null;uniqueIndex" json:"payment_number"`
	InvoiceID       snowflake.ID      `gorm:"not null;index" json:"invoice_id"`
	SubscriptionID  snowflake.ID      `gorm:"not null;index" json:"subscription_id"`
	ClientID        snowflake.ID      `gorm:"not null;index" json:"client_id"`
	Amount          decimal.Decimal   `gorm:"type:numeric(20,2);not null" json:"amount"`
	Currency        string            `gorm:"type:varchar(3);not null" json:"currency"`
	Method          Method            `gorm:"type:varchar(24);not null" json:"method"`
	Status          Status            `gorm:"type:varchar(24);not null;index" json:"status"`
	TransactionID   string            `gorm:"type:varchar(128)" json:"transaction_id,omitempty"`
	GatewayResponse datatypes.JSONMap `json:"gateway_response,omitempty"`
	ProcessedDate   *time.Time        `json:"processed_date,omitempty"`
	FailureReason   string            `gorm:"type:text" json:"failure_reason,omitempty"`
	Fees            Fees              `gorm:"embedded;embeddedPrefix:fees_" json:"fees"`
	Refund          Refund            `gorm:"embedded;embeddedPrefix:refund_" json:"refund"`

	VerifiedBy   *string    `gorm:"type:varchar(128)" json:"verified_by,omitempty"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
	ReconciledBy *string    `gorm:"type:varchar(128)" json:"reconciled_by,omitempty"`
	ReconciledAt *time.Time `json:"reconciled_at,omitempty"`

	Notes     string    `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// NetAmount is the amount left after gateway and processing fees.
func (p Payment) NetAmount() decimal.Decimal {
	return p.Amount.Sub(p.Fees.Total)
}

// Refundable is what can still be returned to the client.
func (p Payment) Refundable() decimal.Decimal {
	return decimal.Max(decimal.Zero, p.Amount.Sub(p.Refund.RefundAmount))
}
