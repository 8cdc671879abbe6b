package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	"gorm.io/gorm"
)

// Settlement is the money state of an invoice owned by the payment ledger.
type Settlement struct {
	InvoiceID     snowflake.ID
	Number        string
	PaidAmount    decimal.Decimal
	PaidDate      *time.Time
	PaymentStatus invoicedomain.PaymentStatus
	Status        invoicedomain.Status
	UpdatedAt     time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	ListByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]*Payment, error)
	Update(ctx context.Context, db *gorm.DB, payment *Payment) error

	// ApplySettlement and SetRevenue are the only writers of invoice
	// settlement columns and subscription revenue.
	ApplySettlement(ctx context.Context, db *gorm.DB, settlement Settlement) error
	SetRevenue(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, revenue decimal.Decimal, at time.Time) error
}
