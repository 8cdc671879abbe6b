package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billingcore/pkg/apperror"
	"github.com/smallbiznis/billingcore/pkg/db/pagination"
)

type GenerateRequest struct {
	SubscriptionID snowflake.ID `json:"-"`
	// PeriodStart defaults to the subscription's next billing date.
	PeriodStart *time.Time `json:"period_start"`
	// PeriodEnd defaults to one billing cycle after PeriodStart.
	PeriodEnd *time.Time `json:"period_end"`
	// DueDate defaults to the configured number of days after issue.
	DueDate *time.Time `json:"due_date"`
	Send    bool       `json:"send"`
	Notes   string     `json:"notes"`
	// AdvanceBilling moves the subscription's billing pointers to the
	// period end. Set by the scheduled invoicing path.
	AdvanceBilling bool   `json:"-"`
	Automatic      bool   `json:"-"`
	PerformedBy    string `json:"-"`
	IdempotencyKey string `json:"-"`
}

type GenerateResult struct {
	Invoice *Invoice
	// Created is false when an invoice for the period already existed.
	Created bool
}

type AdjustRequest struct {
	ID          snowflake.ID     `json:"-"`
	Discount    *decimal.Decimal `json:"discount"`
	Tax         *decimal.Decimal `json:"tax"`
	Reason      string           `json:"reason"`
	PerformedBy string           `json:"-"`
}

type ReminderRequest struct {
	ID             snowflake.ID
	DaysOverdue    int
	IdempotencyKey string
}

type ListRequest struct {
	pagination.Pagination
	SubscriptionID *snowflake.ID
	Status         Status
}

type ListResponse struct {
	pagination.PageInfo
	Invoices []*Invoice `json:"invoices"`
}

type Service interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Invoice, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	// ListOpen pages through invoices that may still receive money.
	ListOpen(ctx context.Context, afterID snowflake.ID, limit int) ([]*Invoice, error)

	MarkSent(ctx context.Context, id snowflake.ID, performedBy string) (*Invoice, error)
	MarkOverdue(ctx context.Context, id snowflake.ID) (*Invoice, error)
	Cancel(ctx context.Context, id snowflake.ID, reason, performedBy string) (*Invoice, error)
	Adjust(ctx context.Context, req AdjustRequest) (*Invoice, error)
	RecordReminder(ctx context.Context, req ReminderRequest) (*Invoice, error)
}

var (
	ErrInvoiceNotFound     = apperror.New(apperror.KindNotFound, "invoice_not_found", "invoice not found")
	ErrInvalidPeriod       = apperror.New(apperror.KindValidation, "invalid_billing_period", "billing period end must be after start")
	ErrInvalidDueDate      = apperror.New(apperror.KindValidation, "invalid_due_date", "due date cannot be before the issue date")
	ErrInvalidAdjustment   = apperror.New(apperror.KindValidation, "invalid_adjustment", "discount and tax must be non-negative and discount cannot exceed the subtotal")
	ErrReasonRequired      = apperror.New(apperror.KindValidation, "reason_required", "reason is required")
	ErrInvalidPageToken    = apperror.New(apperror.KindValidation, "invalid_page_token", "invalid page token")
	ErrSubscriptionClosed  = apperror.New(apperror.KindInvalidState, "subscription_cancelled", "cannot invoice a cancelled subscription")
	ErrInvalidStatus       = apperror.New(apperror.KindInvalidState, "invalid_invoice_status", "operation not allowed in the current invoice status")
	ErrPaymentsRecorded    = apperror.New(apperror.KindInvalidState, "invoice_has_payments", "invoice already received payments")
	ErrConcurrentNumbering = apperror.New(apperror.KindConcurrency, "invoice_number_conflict", "invoice number already taken, retry")
)
