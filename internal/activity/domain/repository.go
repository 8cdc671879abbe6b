package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	SubscriptionID *snowflake.ID
	Action         Action
	UnreviewedOnly bool
	BeforeID       int64
	Limit          int
}

type Repository interface {
	// Insert reports false when an entry with the same idempotency key exists.
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) (bool, error)
	ExistsByKey(ctx context.Context, db *gorm.DB, key string) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Entry, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Entry, error)
	MarkReviewed(ctx context.Context, db *gorm.DB, id snowflake.ID, reviewedBy string, at time.Time) (bool, error)
}
