package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"github.com/smallbiznis/billingcore/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return conn.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.find(conn.WithContext(ctx), id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.find(db.ForUpdate(conn.WithContext(ctx)), id)
}

func (r *repo) find(stmt *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	if err := stmt.Where("id = ?", id).Limit(1).Find(&subscription).Error; err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) List(ctx context.Context, conn *gorm.DB, filter subscriptiondomain.ListFilter) ([]*subscriptiondomain.Subscription, error) {
	var items []*subscriptiondomain.Subscription
	stmt := conn.WithContext(ctx).Model(&subscriptiondomain.Subscription{})

	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.ClientID != nil {
		stmt = stmt.Where("client_id = ?", *filter.ClientID)
	}
	if filter.AfterID > 0 {
		stmt = stmt.Where("id > ?", filter.AfterID)
	}

	stmt = stmt.Order("id asc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateLifecycle(ctx context.Context, conn *gorm.DB, s *subscriptiondomain.Subscription) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			status = ?, end_date = ?, next_billing_date = ?, last_billing_date = ?,
			auto_renew = ?, renewal_count = ?,
			cancelled_at = ?, cancellation_reason = ?,
			suspended_at = ?, suspension_reason = ?,
			expired_at = ?, updated_at = ?
		WHERE id = ?`,
		string(s.Status),
		s.EndDate,
		s.NextBillingDate,
		s.LastBillingDate,
		s.AutoRenew,
		s.RenewalCount,
		s.CancelledAt,
		s.CancellationReason,
		s.SuspendedAt,
		s.SuspensionReason,
		s.ExpiredAt,
		s.UpdatedAt,
		s.ID,
	).Error
}
