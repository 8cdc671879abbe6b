package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billingcore/internal/clock"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
)

var hundred = decimal.NewFromInt(100)

// ComputeAmounts prices one billing period of s. The discount is capped at
// the subtotal and tax applies to the discounted subtotal. A discount past
// its ValidUntil at periodStart is ignored.
func ComputeAmounts(s subscriptiondomain.Subscription, periodStart time.Time) Amount {
	subtotal := s.BasePrice.Round(2)

	discount := decimal.Zero
	if s.Discount.ActiveAt(periodStart) {
		discount = subtotal.Mul(s.Discount.Percentage).Div(hundred).Add(s.Discount.Amount)
		discount = decimal.Min(discount, subtotal).Round(2)
	}

	tax := subtotal.Sub(discount).Mul(s.Tax.Percentage).Div(hundred).Add(s.Tax.Amount).Round(2)

	return Amount{Subtotal: subtotal, Discount: discount, Tax: tax}.Recompute()
}

// IsOverdue reports whether the invoice is past due and still open.
func IsOverdue(inv Invoice, now time.Time) bool {
	return !inv.Status.Closed() && now.After(inv.DueDate)
}

// DaysOverdue counts calendar days since the due date, zero when not overdue.
func DaysOverdue(inv Invoice, now time.Time) int {
	if !IsOverdue(inv, now) {
		return 0
	}
	return int(clock.StartOfDay(now).Sub(clock.StartOfDay(inv.DueDate)).Hours() / 24)
}
