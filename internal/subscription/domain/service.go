package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billingcore/pkg/apperror"
	"github.com/smallbiznis/billingcore/pkg/db/pagination"
)

type CreateRequest struct {
	ClientID        snowflake.ID    `json:"client_id"`
	PackageID       snowflake.ID    `json:"package_id"`
	BillingCycle    BillingCycle    `json:"billing_cycle"`
	CustomCycleDays int             `json:"custom_cycle_days"`
	StartDate       time.Time       `json:"start_date"`
	EndDate         *time.Time      `json:"end_date"`
	BasePrice       decimal.Decimal `json:"base_price"`
	Currency        string          `json:"currency"`
	Discount        Discount        `json:"discount"`
	Tax             Tax             `json:"tax"`
	AutoRenew       bool            `json:"auto_renew"`
	GracePeriodDays *int            `json:"grace_period_days"`
	RequirePayment  bool            `json:"require_payment"`
	Metadata        map[string]any  `json:"metadata"`
	PerformedBy     string          `json:"-"`
}

// TransitionRequest drives a single status change.
type TransitionRequest struct {
	ID          snowflake.ID
	Reason      string
	PerformedBy string
	Automatic   bool
	// IdempotencyKey is stored on the activity entry written for the change.
	IdempotencyKey string
}

type RenewResult struct {
	Subscription    *Subscription
	PreviousEndDate time.Time
}

type ListRequest struct {
	pagination.Pagination
	Status   Status
	ClientID *snowflake.ID
}

type ListResponse struct {
	pagination.PageInfo
	Subscriptions []*Subscription `json:"subscriptions"`
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Subscription, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Subscription, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	// ListForAutomation pages through subscriptions of a status in id order.
	ListForAutomation(ctx context.Context, status Status, afterID snowflake.ID, limit int) ([]*Subscription, error)

	Renew(ctx context.Context, req TransitionRequest) (RenewResult, error)
	Cancel(ctx context.Context, req TransitionRequest) (*Subscription, error)
	Suspend(ctx context.Context, req TransitionRequest) (*Subscription, error)
	Reactivate(ctx context.Context, req TransitionRequest) (*Subscription, error)
	Activate(ctx context.Context, req TransitionRequest) (*Subscription, error)
	Expire(ctx context.Context, req TransitionRequest) (*Subscription, error)
	UpdateAutoRenew(ctx context.Context, id snowflake.ID, autoRenew bool, performedBy string) (*Subscription, error)

	// AdvanceBilling moves the billing pointers after an invoice was issued.
	AdvanceBilling(ctx context.Context, id snowflake.ID, nextBillingDate, lastBillingDate time.Time) error
}

var (
	ErrSubscriptionNotFound = apperror.New(apperror.KindNotFound, "subscription_not_found", "subscription not found")
	ErrInvalidTransition    = apperror.New(apperror.KindInvalidState, "invalid_transition", "invalid subscription status transition")
	ErrReasonRequired       = apperror.New(apperror.KindValidation, "reason_required", "reason is required")
	ErrInvalidClient        = apperror.New(apperror.KindValidation, "invalid_client", "client id is required")
	ErrInvalidPackage       = apperror.New(apperror.KindValidation, "invalid_package", "package id is required")
	ErrInvalidBillingCycle  = apperror.New(apperror.KindValidation, "invalid_billing_cycle", "billing cycle must be monthly, quarterly, yearly or custom")
	ErrInvalidPeriod        = apperror.New(apperror.KindValidation, "invalid_period", "end date must be after start date")
	ErrInvalidPrice         = apperror.New(apperror.KindValidation, "invalid_price", "base price cannot be negative")
	ErrInvalidDiscount      = apperror.New(apperror.KindValidation, "invalid_discount", "discount must be between 0 and 100 percent and not negative")
	ErrInvalidTax           = apperror.New(apperror.KindValidation, "invalid_tax", "tax must be between 0 and 100 percent and not negative")
	ErrInvalidCurrency      = apperror.New(apperror.KindValidation, "invalid_currency", "currency must be a 3 letter code")
	ErrInvalidGracePeriod   = apperror.New(apperror.KindValidation, "invalid_grace_period", "grace period cannot be negative")
	ErrInvalidPageToken     = apperror.New(apperror.KindValidation, "invalid_page_token", "invalid page token")
	ErrConcurrentCreate     = apperror.New(apperror.KindConcurrency, "subscription_code_conflict", "subscription number already taken, retry")
)
