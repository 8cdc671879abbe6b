package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultGracePeriodDays = 3

var hundred = decimal.NewFromInt(100)

// DaysRemaining is the number of started days left until EndDate, negative
// once the subscription has ended.
func DaysRemaining(s Subscription, now time.Time) int {
	return int(math.Ceil(s.EndDate.Sub(now).Hours() / 24))
}

// IsExpiringSoon reports 0 < daysRemaining <= days.
func IsExpiringSoon(s Subscription, now time.Time, days int) bool {
	remaining := DaysRemaining(s, now)
	return remaining > 0 && remaining <= days
}

func IsExpired(s Subscription, now time.Time) bool {
	return now.After(s.EndDate)
}

func GracePeriodEnd(s Subscription) time.Time {
	return s.EndDate.AddDate(0, 0, s.GracePeriodDays)
}

func IsInGracePeriod(s Subscription, now time.Time) bool {
	return IsExpired(s, now) && !now.After(GracePeriodEnd(s))
}

// AddBillingCycle advances t by one cycle. Month based cycles land on the
// anchor day, clamped to the last day of shorter months, so a subscription
// anchored on the 31st bills Jan 31, Feb 28, Mar 31.
func AddBillingCycle(t time.Time, cycle BillingCycle, anchorDay, customDays int) time.Time {
	switch cycle {
	case BillingCycleMonthly:
		return addMonths(t, 1, anchorDay)
	case BillingCycleQuarterly:
		return addMonths(t, 3, anchorDay)
	case BillingCycleYearly:
		return addMonths(t, 12, anchorDay)
	case BillingCycleCustom:
		if customDays > 0 {
			return t.AddDate(0, 0, customDays)
		}
		return addMonths(t, 1, anchorDay)
	default:
		return addMonths(t, 1, anchorDay)
	}
}

func addMonths(t time.Time, months, anchorDay int) time.Time {
	if anchorDay <= 0 {
		anchorDay = t.Day()
	}
	firstOfTarget := time.Date(t.Year(), t.Month()+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	day := anchorDay
	if last := daysIn(firstOfTarget.Year(), firstOfTarget.Month(), t.Location()); day > last {
		day = last
	}
	return firstOfTarget.AddDate(0, 0, day-1)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func CalculateNextRenewalDate(s Subscription) time.Time {
	return AddBillingCycle(s.EndDate, s.BillingCycle, s.BillingAnchorDay, s.CustomCycleDays)
}

// Renew returns s advanced by one billing cycle. Cancelled subscriptions
// cannot be renewed.
func Renew(s Subscription, now time.Time) (Subscription, error) {
	if s.Status == StatusCancelled {
		return s, ErrInvalidTransition.Withf("cannot renew a %s subscription", s.Status)
	}

	next := CalculateNextRenewalDate(s)
	s.EndDate = next
	s.NextBillingDate = &next
	s.LastBillingDate = &now
	s.Status = StatusActive
	s.RenewalCount++
	s.ExpiredAt = nil
	s.UpdatedAt = now
	return s, nil
}

// EffectivePrice applies the discount then the tax to the base price.
func EffectivePrice(s Subscription) decimal.Decimal {
	return effectivePrice(s.BasePrice, s.Discount, s.Tax)
}

// EffectivePriceAt ignores a discount whose ValidUntil has passed.
func EffectivePriceAt(s Subscription, at time.Time) decimal.Decimal {
	discount := s.Discount
	if !discount.ActiveAt(at) {
		discount = Discount{}
	}
	return effectivePrice(s.BasePrice, discount, s.Tax)
}

func effectivePrice(base decimal.Decimal, discount Discount, tax Tax) decimal.Decimal {
	price := base
	if discount.Percentage.IsPositive() {
		price = price.Mul(decimal.NewFromInt(1).Sub(discount.Percentage.Div(hundred)))
	}
	if discount.Amount.IsPositive() {
		price = decimal.Max(decimal.Zero, price.Sub(discount.Amount))
	}
	if tax.Percentage.IsPositive() {
		price = price.Mul(decimal.NewFromInt(1).Add(tax.Percentage.Div(hundred)))
	}
	price = price.Add(tax.Amount)
	return price.Round(2)
}

var transitions = map[Status]map[Status]bool{
	StatusPendingPayment: {StatusActive: true, StatusCancelled: true},
	StatusActive:         {StatusActive: true, StatusSuspended: true, StatusCancelled: true, StatusExpired: true},
	StatusSuspended:      {StatusActive: true, StatusCancelled: true},
	StatusExpired:        {StatusActive: true},
	StatusCancelled:      {},
}

// CanTransition reports whether a subscription may move from one status to another.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}
