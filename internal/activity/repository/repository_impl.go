package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/billingcore/internal/activity/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() activitydomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *activitydomain.Entry) (bool, error) {
	if entry == nil {
		return false, nil
	}

	stmt := db.WithContext(ctx)
	if entry.IdempotencyKey != nil {
		stmt = stmt.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		})
	}

	result := stmt.Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ExistsByKey(ctx context.Context, db *gorm.DB, key string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&activitydomain.Entry{}).
		Where("idempotency_key = ?", key).
		Count(&count).Error
	return count > 0, err
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*activitydomain.Entry, error) {
	var entry activitydomain.Entry
	err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter activitydomain.ListFilter) ([]*activitydomain.Entry, error) {
	var entries []*activitydomain.Entry
	stmt := db.WithContext(ctx).Model(&activitydomain.Entry{})

	if filter.SubscriptionID != nil {
		stmt = stmt.Where("subscription_id = ?", *filter.SubscriptionID)
	}
	if filter.Action != "" {
		stmt = stmt.Where("action = ?", filter.Action)
	}
	if filter.UnreviewedOnly {
		stmt = stmt.Where("reviewed_at IS NULL")
	}
	if filter.BeforeID > 0 {
		stmt = stmt.Where("id < ?", filter.BeforeID)
	}

	stmt = stmt.Order("id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) MarkReviewed(ctx context.Context, db *gorm.DB, id snowflake.ID, reviewedBy string, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscription_activity_logs
		 SET reviewed_at = ?, reviewed_by = ?
		 WHERE id = ? AND reviewed_at IS NULL`,
		at, reviewedBy, id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
