package domain

import (
	"time"

	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
)

// Settle applies delta (positive for a completed payment, negative for a
// refund) to the invoice's paid amount and derives its statuses.
//
// A refund that brings a paid invoice below its total reopens it as sent, or
// overdue when the due date has passed. A refund down to zero marks the
// invoice refunded.
func Settle(inv invoicedomain.Invoice, delta decimal.Decimal, now time.Time) Settlement {
	paid := decimal.Max(decimal.Zero, inv.PaidAmount.Add(delta)).Round(2)
	out := Settlement{
		InvoiceID:     inv.ID,
		Number:        inv.Number,
		PaidAmount:    paid,
		PaidDate:      inv.PaidDate,
		PaymentStatus: inv.PaymentStatus,
		Status:        inv.Status,
		UpdatedAt:     now,
	}

	switch {
	case paid.GreaterThanOrEqual(inv.Amount.Total) && paid.IsPositive():
		out.Status = invoicedomain.StatusPaid
		out.PaymentStatus = invoicedomain.PaymentStatusPaid
		if delta.IsPositive() || out.PaidDate == nil {
			out.PaidDate = &now
		}
	case paid.IsPositive():
		out.PaymentStatus = invoicedomain.PaymentStatusPartial
		if inv.Status == invoicedomain.StatusPaid || inv.Status == invoicedomain.StatusRefunded {
			out.Status = reopened(inv, now)
		}
	case delta.IsNegative():
		out.Status = invoicedomain.StatusRefunded
		out.PaymentStatus = invoicedomain.PaymentStatusRefunded
	}
	return out
}

func reopened(inv invoicedomain.Invoice, now time.Time) invoicedomain.Status {
	if now.After(inv.DueDate) {
		return invoicedomain.StatusOverdue
	}
	return invoicedomain.StatusSent
}
