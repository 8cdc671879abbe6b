package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func invoice(total, paid string, status invoicedomain.Status, due time.Time) invoicedomain.Invoice {
	return invoicedomain.Invoice{
		Amount:        invoicedomain.Amount{Total: decimal.RequireFromString(total)},
		PaidAmount:    decimal.RequireFromString(paid),
		Status:        status,
		PaymentStatus: invoicedomain.PaymentStatusPending,
		DueDate:       due,
	}
}

func TestSettle(t *testing.T) {
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	future := now.AddDate(0, 0, 5)
	past := now.AddDate(0, 0, -5)

	t.Run("partial payment", func(t *testing.T) {
		got := Settle(invoice("100", "0", invoicedomain.StatusSent, future), decimal.NewFromInt(40), now)
		assert.True(t, decimal.NewFromInt(40).Equal(got.PaidAmount))
		assert.Equal(t, invoicedomain.PaymentStatusPartial, got.PaymentStatus)
		assert.Equal(t, invoicedomain.StatusSent, got.Status)
		assert.Nil(t, got.PaidDate)
	})

	t.Run("full payment", func(t *testing.T) {
		got := Settle(invoice("100", "40", invoicedomain.StatusOverdue, past), decimal.NewFromInt(60), now)
		assert.Equal(t, invoicedomain.StatusPaid, got.Status)
		assert.Equal(t, invoicedomain.PaymentStatusPaid, got.PaymentStatus)
		require.NotNil(t, got.PaidDate)
		assert.Equal(t, now, *got.PaidDate)
	})

	t.Run("partial refund reopens", func(t *testing.T) {
		got := Settle(invoice("100", "100", invoicedomain.StatusPaid, future), decimal.NewFromInt(-30), now)
		assert.True(t, decimal.NewFromInt(70).Equal(got.PaidAmount))
		assert.Equal(t, invoicedomain.StatusSent, got.Status)
		assert.Equal(t, invoicedomain.PaymentStatusPartial, got.PaymentStatus)
	})

	t.Run("partial refund past due reopens overdue", func(t *testing.T) {
		got := Settle(invoice("100", "100", invoicedomain.StatusPaid, past), decimal.NewFromInt(-30), now)
		assert.Equal(t, invoicedomain.StatusOverdue, got.Status)
	})

	t.Run("full refund", func(t *testing.T) {
		got := Settle(invoice("100", "100", invoicedomain.StatusPaid, future), decimal.NewFromInt(-100), now)
		assert.True(t, got.PaidAmount.IsZero())
		assert.Equal(t, invoicedomain.StatusRefunded, got.Status)
		assert.Equal(t, invoicedomain.PaymentStatusRefunded, got.PaymentStatus)
	})

	t.Run("paid never negative", func(t *testing.T) {
		got := Settle(invoice("100", "10", invoicedomain.StatusSent, future), decimal.NewFromInt(-50), now)
		assert.True(t, got.PaidAmount.IsZero())
	})
}
