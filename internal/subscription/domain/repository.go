package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	Status   Status
	ClientID *snowflake.ID
	AfterID  int64
	Limit    int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Subscription, error)
	// UpdateLifecycle persists status and date fields. It never touches total_revenue.
	UpdateLifecycle(ctx context.Context, db *gorm.DB, subscription *Subscription) error
}
