package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive         Status = "active"
	StatusPendingPayment Status = "pending_payment"
	StatusSuspended      Status = "suspended"
	StatusExpired        Status = "expired"
	StatusCancelled      Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPendingPayment, StatusSuspended, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

type BillingCycle string

const (
	BillingCycleMonthly   BillingCycle = "monthly"
	BillingCycleQuarterly BillingCycle = "quarterly"
	BillingCycleYearly    BillingCycle = "yearly"
	BillingCycleCustom    BillingCycle = "custom"
)

func (c BillingCycle) Valid() bool {
	switch c {
	case BillingCycleMonthly, BillingCycleQuarterly, BillingCycleYearly, BillingCycleCustom:
		return true
	}
	return false
}

type Discount struct {
	Percentage decimal.Decimal `gorm:"type:numeric(5,2);not null;default:0" json:"percentage"`
	Amount     decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"amount"`
	Reason     string          `gorm:"type:text" json:"reason,omitempty"`
	ValidUntil *time.Time      `json:"valid_until,omitempty"`
}

// ActiveAt reports whether the discount still applies at t.
func (d Discount) ActiveAt(t time.Time) bool {
	return d.ValidUntil == nil || !t.After(*d.ValidUntil)
}

type Tax struct {
	Percentage decimal.Decimal `gorm:"type:numeric(5,2);not null;default:0" json:"percentage"`
	Amount     decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"amount"`
}

// Subscription is a client's recurring entitlement to a package.
type Subscription struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	Code         string       `gorm:"type:varchar(32);not null;uniqueIndex" json:"code"`
	ClientID     snowflake.ID `gorm:"not null;index" json:"client_id"`
	PackageID    snowflake.ID `gorm:"not null;index" json:"package_id"`
	BillingCycle BillingCycle `gorm:"type:varchar(16);not null" json:"billing_cycle"`
	// CustomCycleDays is the period length of a custom billing cycle.
	CustomCycleDays  int        `gorm:"not null;default:0" json:"custom_cycle_days,omitempty"`
	BillingAnchorDay int        `gorm:"not null" json:"billing_anchor_day"`
	Status           Status     `gorm:"type:varchar(24);not null;index" json:"status"`
	StartDate        time.Time  `gorm:"not null" json:"start_date"`
	EndDate          time.Time  `gorm:"not null" json:"end_date"`
	NextBillingDate  *time.Time `json:"next_billing_date,omitempty"`
	LastBillingDate  *time.Time `json:"last_billing_date,omitempty"`

	BasePrice decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"base_price"`
	Currency  string          `gorm:"type:varchar(3);not null" json:"currency"`
	Discount  Discount        `gorm:"embedded;embeddedPrefix:discount_" json:"discount"`
	Tax       Tax             `gorm:"embedded;embeddedPrefix:tax_" json:"tax"`

	AutoRenew       bool            `gorm:"not null" json:"auto_renew"`
	GracePeriodDays int             `gorm:"not null" json:"grace_period_days"`
	RenewalCount    int             `gorm:"not null;default:0" json:"renewal_count"`
	TotalRevenue    decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"total_revenue"`

	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason *string    `gorm:"type:text" json:"cancellation_reason,omitempty"`
	SuspendedAt        *time.Time `json:"suspended_at,omitempty"`
	SuspensionReason   *string    `gorm:"type:text" json:"suspension_reason,omitempty"`
	ExpiredAt          *time.Time `json:"expired_at,omitempty"`

	Metadata  datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time         `gorm:"not null" json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Snapshot captures the lifecycle fields recorded in activity entries.
func (s Subscription) Snapshot() map[string]any {
	out := map[string]any{
		"status":        string(s.Status),
		"end_date":      s.EndDate.UTC().Format(time.RFC3339),
		"auto_renew":    s.AutoRenew,
		"renewal_count": s.RenewalCount,
	}
	if s.NextBillingDate != nil {
		out["next_billing_date"] = s.NextBillingDate.UTC().Format(time.RFC3339)
	}
	return out
}
