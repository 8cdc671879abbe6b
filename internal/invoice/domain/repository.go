package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	SubscriptionID *snowflake.ID
	Statuses       []Status
	AfterID        int64
	Limit          int
}

type Repository interface {
	// Insert reports false when the subscription already has an invoice for the period.
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodKey string) (*Invoice, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Invoice, error)
	// UpdateDocument persists status, amounts and reminder fields. Settlement
	// fields (paid amount, paid date, payment status) belong to the payment ledger.
	UpdateDocument(ctx context.Context, db *gorm.DB, invoice *Invoice) error
}
