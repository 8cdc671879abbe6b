package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billingcore/pkg/apperror"
)

type CreateRequest struct {
	InvoiceID     snowflake.ID    `json:"-"`
	Amount        decimal.Decimal `json:"amount"`
	Method        Method          `json:"method"`
	TransactionID string          `json:"transaction_id"`
	GatewayFee    decimal.Decimal `json:"gateway_fee"`
	ProcessingFee decimal.Decimal `json:"processing_fee"`
	Notes         string          `json:"notes"`
	PerformedBy   string          `json:"-"`
}

type CompleteRequest struct {
	ID              snowflake.ID   `json:"-"`
	TransactionID   string         `json:"transaction_id"`
	GatewayResponse map[string]any `json:"gateway_response"`
	PerformedBy     string         `json:"-"`
}

type FailRequest struct {
	ID              snowflake.ID   `json:"-"`
	Reason          string         `json:"reason"`
	GatewayResponse map[string]any `json:"gateway_response"`
	PerformedBy     string         `json:"-"`
}

type RefundRequest struct {
	ID                  snowflake.ID    `json:"-"`
	Amount              decimal.Decimal `json:"amount"`
	Reason              string          `json:"reason"`
	RefundTransactionID string          `json:"refund_transaction_id"`
	PerformedBy         string          `json:"-"`
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Payment, error)
	// RecordPayment creates and completes a payment in one transaction.
	RecordPayment(ctx context.Context, req CreateRequest) (*Payment, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Payment, error)
	ListByInvoice(ctx context.Context, invoiceID snowflake.ID) ([]*Payment, error)

	MarkProcessing(ctx context.Context, id snowflake.ID, performedBy string) (*Payment, error)
	MarkCompleted(ctx context.Context, req CompleteRequest) (*Payment, error)
	MarkFailed(ctx context.Context, req FailRequest) (*Payment, error)
	Cancel(ctx context.Context, id snowflake.ID, reason, performedBy string) (*Payment, error)
	ProcessRefund(ctx context.Context, req RefundRequest) (*Payment, error)
	Verify(ctx context.Context, id snowflake.ID, by string) (*Payment, error)
	Reconcile(ctx context.Context, id snowflake.ID, by string) (*Payment, error)
}

var (
	ErrPaymentNotFound     = apperror.New(apperror.KindNotFound, "payment_not_found", "payment not found")
	ErrInvalidAmount       = apperror.New(apperror.KindValidation, "invalid_amount", "amount must be greater than zero")
	ErrInvalidFees         = apperror.New(apperror.KindValidation, "invalid_fees", "fees cannot be negative")
	ErrInvalidMethod       = apperror.New(apperror.KindValidation, "invalid_payment_method", "unsupported payment method")
	ErrOverpayment         = apperror.New(apperror.KindValidation, "overpayment", "amount exceeds the invoice outstanding balance")
	ErrRefundExceeds       = apperror.New(apperror.KindValidation, "refund_exceeds_refundable", "refund amount exceeds the refundable amount")
	ErrReasonRequired      = apperror.New(apperror.KindValidation, "reason_required", "reason is required")
	ErrActorRequired       = apperror.New(apperror.KindValidation, "actor_required", "auditor identity is required")
	ErrInvoiceClosed       = apperror.New(apperror.KindInvalidState, "invoice_closed", "invoice does not accept payments")
	ErrInvalidStatus       = apperror.New(apperror.KindInvalidState, "invalid_payment_status", "operation not allowed in the current payment status")
	ErrConcurrentNumbering = apperror.New(apperror.KindConcurrency, "payment_number_conflict", "payment number already taken, retry")
)
