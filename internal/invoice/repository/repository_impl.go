package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	"github.com/smallbiznis/billingcore/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, invoice *invoicedomain.Invoice) (bool, error) {
	result := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subscription_id"}, {Name: "period_key"}},
			DoNothing: true,
		}).
		Create(invoice)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	return first(conn.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindByIDForUpdate(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	return first(db.ForUpdate(conn.WithContext(ctx)).Where("id = ?", id))
}

func (r *repo) FindByPeriod(ctx context.Context, conn *gorm.DB, subscriptionID snowflake.ID, periodKey string) (*invoicedomain.Invoice, error) {
	return first(conn.WithContext(ctx).Where("subscription_id = ? AND period_key = ?", subscriptionID, periodKey))
}

func first(stmt *gorm.DB) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	if err := stmt.Limit(1).Find(&invoice).Error; err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) List(ctx context.Context, conn *gorm.DB, filter invoicedomain.ListFilter) ([]*invoicedomain.Invoice, error) {
	var items []*invoicedomain.Invoice
	stmt := conn.WithContext(ctx).Model(&invoicedomain.Invoice{})

	if filter.SubscriptionID != nil {
		stmt = stmt.Where("subscription_id = ?", *filter.SubscriptionID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		stmt = stmt.Where("status IN ?", statuses)
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

func (r *repo) UpdateDocument(ctx context.Context, conn *gorm.DB, inv *invoicedomain.Invoice) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE invoices SET
			status = ?, issue_date = ?, due_date = ?,
			amount_subtotal = ?, amount_discount = ?, amount_tax = ?, amount_total = ?,
			reminders_sent = ?, last_reminder_at = ?,
			cancellation_reason = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		string(inv.Status),
		inv.IssueDate,
		inv.DueDate,
		inv.Amount.Subtotal,
		inv.Amount.Discount,
		inv.Amount.Tax,
		inv.Amount.Total,
		inv.RemindersSent,
		inv.LastReminderAt,
		inv.CancellationReason,
		inv.Notes,
		inv.UpdatedAt,
		inv.ID,
	).Error
}
