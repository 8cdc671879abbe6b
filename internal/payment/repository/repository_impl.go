package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/billingcore/internal/payment/domain"
	"github.com/smallbiznis/billingcore/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() paymentdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, payment *paymentdomain.Payment) error {
	return conn.WithContext(ctx).Create(payment).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*paymentdomain.Payment, error) {
	return r.find(conn.WithContext(ctx), id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*paymentdomain.Payment, error) {
	return r.find(db.ForUpdate(conn.WithContext(ctx)), id)
}

func (r *repo) find(stmt *gorm.DB, id snowflake.ID) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	if err := stmt.Where("id = ?", id).Limit(1).Find(&payment).Error; err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (r *repo) ListByInvoice(ctx context.Context, conn *gorm.DB, invoiceID snowflake.ID) ([]*paymentdomain.Payment, error) {
	var items []*paymentdomain.Payment
	err := conn.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("id asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Update(ctx context.Context, conn *gorm.DB, payment *paymentdomain.Payment) error {
	return conn.WithContext(ctx).Save(payment).Error
}

func (r *repo) ApplySettlement(ctx context.Context, conn *gorm.DB, s paymentdomain.Settlement) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE invoices SET paid_amount = ?, paid_date = ?, payment_status = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		s.PaidAmount,
		s.PaidDate,
		string(s.PaymentStatus),
		string(s.Status),
		s.UpdatedAt,
		s.InvoiceID,
	).Error
}

func (r *repo) SetRevenue(ctx context.Context, conn *gorm.DB, subscriptionID snowflake.ID, revenue decimal.Decimal, at time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE subscriptions SET total_revenue = ?, updated_at = ? WHERE id = ?`,
		revenue,
		at,
		subscriptionID,
	).Error
}
