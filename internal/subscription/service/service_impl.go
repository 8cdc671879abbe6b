package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/billingcore/internal/activity/domain"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/sequence"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"github.com/smallbiznis/billingcore/pkg/db"
	"github.com/smallbiznis/billingcore/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       subscriptiondomain.Repository
	Activity   activitydomain.Service
	Sequence   sequence.Allocator
	Clock      clock.Clock
	Automation config.AutomationSource `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       subscriptiondomain.Repository
	activity   activitydomain.Service
	sequence   sequence.Allocator
	clock      clock.Clock
	automation config.AutomationSource
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		activity:   p.Activity,
		sequence:   p.Sequence,
		clock:      p.Clock,
		automation: p.Automation,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (*subscriptiondomain.Subscription, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	start := req.StartDate.UTC()
	if start.IsZero() {
		start = now
	}
	anchor := start.Day()

	end := subscriptiondomain.AddBillingCycle(start, req.BillingCycle, anchor, req.CustomCycleDays)
	if req.EndDate != nil {
		end = req.EndDate.UTC()
	}
	if !end.After(start) {
		return nil, subscriptiondomain.ErrInvalidPeriod
	}

	grace := s.defaultGracePeriod()
	if req.GracePeriodDays != nil {
		grace = *req.GracePeriodDays
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}
	if len(currency) != 3 {
		return nil, subscriptiondomain.ErrInvalidCurrency
	}

	status := subscriptiondomain.StatusActive
	if req.RequirePayment {
		status = subscriptiondomain.StatusPendingPayment
	}

	sub := &subscriptiondomain.Subscription{
		ID:               s.genID.Generate(),
		ClientID:         req.ClientID,
		PackageID:        req.PackageID,
		BillingCycle:     req.BillingCycle,
		CustomCycleDays:  req.CustomCycleDays,
		BillingAnchorDay: anchor,
		Status:           status,
		StartDate:        start,
		EndDate:          end,
		BasePrice:        req.BasePrice.Round(2),
		Currency:         currency,
		Discount:         req.Discount,
		Tax:              req.Tax,
		AutoRenew:        req.AutoRenew,
		GracePeriodDays:  grace,
		TotalRevenue:     decimal.Zero,
		Metadata:         req.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if status == subscriptiondomain.StatusActive {
		sub.NextBillingDate = &end
	}

	err := db.Transaction(ctx, s.db, func(ctx context.Context) error {
		code, err := s.sequence.NextCode(ctx, sequence.ScopeSubscription, now)
		if err != nil {
			return err
		}
		sub.Code = code

		if err := s.repo.Insert(ctx, db.Conn(ctx, s.db), sub); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return subscriptiondomain.ErrConcurrentCreate
			}
			return err
		}

		price := subscriptiondomain.EffectivePrice(*sub)
		return s.record(ctx, sub, activitydomain.ActionCreated, nil, subscriptiondomain.TransitionRequest{
			PerformedBy: req.PerformedBy,
		}, &price, fmt.Sprintf("Subscription %s created", sub.Code))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription.created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("code", sub.Code),
		zap.String("status", string(sub.Status)),
	)
	return sub, nil
}

func validateCreate(req subscriptiondomain.CreateRequest) error {
	switch {
	case req.ClientID == 0:
		return subscriptiondomain.ErrInvalidClient
	case req.PackageID == 0:
		return subscriptiondomain.ErrInvalidPackage
	case !req.BillingCycle.Valid():
		return subscriptiondomain.ErrInvalidBillingCycle
	case req.BillingCycle == subscriptiondomain.BillingCycleCustom && req.CustomCycleDays < 0:
		return subscriptiondomain.ErrInvalidBillingCycle
	case req.BasePrice.IsNegative():
		return subscriptiondomain.ErrInvalidPrice
	case !validShare(req.Discount.Percentage, req.Discount.Amount):
		return subscriptiondomain.ErrInvalidDiscount
	case !validShare(req.Tax.Percentage, req.Tax.Amount):
		return subscriptiondomain.ErrInvalidTax
	case req.GracePeriodDays != nil && *req.GracePeriodDays < 0:
		return subscriptiondomain.ErrInvalidGracePeriod
	}
	return nil
}

func validShare(percentage, amount decimal.Decimal) bool {
	return !percentage.IsNegative() &&
		percentage.LessThanOrEqual(decimal.NewFromInt(100)) &&
		!amount.IsNegative()
}

func (s *Service) defaultGracePeriod() int {
	if s.automation == nil {
		return subscriptiondomain.DefaultGracePeriodDays
	}
	return s.automation.Get().GracePeriodDays
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, db.Conn(ctx, s.db), id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) List(ctx context.Context, req subscriptiondomain.ListRequest) (subscriptiondomain.ListResponse, error) {
	afterID, err := pagination.AfterID(req.PageToken)
	if err != nil {
		return subscriptiondomain.ListResponse{}, subscriptiondomain.ErrInvalidPageToken
	}

	limit := req.Limit()
	items, err := s.repo.List(ctx, db.Conn(ctx, s.db), subscriptiondomain.ListFilter{
		Status:   req.Status,
		ClientID: req.ClientID,
		AfterID:  afterID,
		Limit:    limit + 1,
	})
	if err != nil {
		return subscriptiondomain.ListResponse{}, err
	}

	page, info := pagination.Trim(items, limit, func(s *subscriptiondomain.Subscription) int64 { return s.ID.Int64() })
	return subscriptiondomain.ListResponse{PageInfo: info, Subscriptions: page}, nil
}

func (s *Service) ListForAutomation(ctx context.Context, status subscriptiondomain.Status, afterID snowflake.ID, limit int) ([]*subscriptiondomain.Subscription, error) {
	return s.repo.List(ctx, db.Conn(ctx, s.db), subscriptiondomain.ListFilter{
		Status:  status,
		AfterID: afterID.Int64(),
		Limit:   limit,
	})
}

func (s *Service) Renew(ctx context.Context, req subscriptiondomain.TransitionRequest) (subscriptiondomain.RenewResult, error) {
	action := activitydomain.ActionRenewed
	if req.Automatic {
		action = activitydomain.ActionAutoRenewed
	}

	var previousEnd time.Time
	sub, err := s.transition(ctx, req, action, func(sub *subscriptiondomain.Subscription, now time.Time) (string, error) {
		previousEnd = sub.EndDate
		renewed, err := subscriptiondomain.Renew(*sub, now)
		if err != nil {
			return "", err
		}
		*sub = renewed
		return fmt.Sprintf("Subscription renewed until %s", sub.EndDate.Format(time.DateOnly)), nil
	})
	if err != nil {
		return subscriptiondomain.RenewResult{}, err
	}
	return subscriptiondomain.RenewResult{Subscription: sub, PreviousEndDate: previousEnd}, nil
}

func (s *Service) Cancel(ctx context.Context, req subscriptiondomain.TransitionRequest) (*subscriptiondomain.Subscription, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, subscriptiondomain.ErrReasonRequired
	}
	return s.transition(ctx, req, activitydomain.ActionCancelled, func(sub *subscriptiondomain.Subscription, now time.Time) (string, error) {
		if err := checkTransition(sub.Status, subscriptiondomain.StatusCancelled, "cancel"); err != nil {
			return "", err
		}
		sub.Status = subscriptiondomain.StatusCancelled
		sub.CancelledAt = &now
		sub.CancellationReason = &reason
		sub.AutoRenew = false
		return "Subscription cancelled: " + reason, nil
	})
}

func (s *Service) Suspend(ctx context.Context, req subscriptiondomain.TransitionRequest) (*subscriptiondomain.Subscription, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, subscriptiondomain.ErrReasonRequired
	}
	return s.transition(ctx, req, activitydomain.ActionSuspended, func(sub *subscriptiondomain.Subscription, now time.Time) (string, error) {
		if sub.Status != subscriptiondomain.StatusActive {
			return "", subscriptiondomain.ErrInvalidTransition.Withf("cannot suspend a %s subscription", sub.Status)
		}
		sub.Status = subscriptiondomain.StatusSuspended
		sub.SuspendedAt = &now
		sub.SuspensionReason = &reason
		return "Subscription suspended: " + reason, nil
	})
}

func (s *Service) Reactivate(ctx context.Context, req subscriptiondomain.TransitionRequest) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, req, activitydomain.ActionReactivated, func(sub *subscriptiondomain.Subscription, now time.Time) (string, error) {
		if sub.Status != subscriptiondomain.StatusSuspended {
			return "", subscriptiondomain.ErrInvalidTransition.Withf("cannot reactivate a %s subscription", sub.Status)
		}
		sub.Status = subscriptiondomain.StatusActive
		sub.SuspendedAt = nil
		sub.SuspensionReason = nil
		ensureNextBilling(sub)
		return "Subscription reactivated", nil
	})
}

func (s *Service) Activate(ctx context.Context, req subscriptiondomain.TransitionRequest) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, req, activitydomain.ActionActivated, func(sub *subscriptiondomain.Subscription, now time.Time) (string, error) {
		if sub.Status != subscriptiondomain.StatusPendingPayment {
			return "", subscriptiondomain.ErrInvalidTransition.Withf("cannot activate a %s subscription", sub.Status)
		}
		sub.Status = subscriptiondomain.StatusActive
		ensureNextBilling(sub)
		return "Subscription activated", nil
	})
}

func (s *Service) Expire(ctx context.Context, req subscriptiondomain.TransitionRequest) (*subscriptiondomain.Subscription, error) {
	req.PerformedBy = activitydomain.PerformedBySystem
	req.Automatic = true
	return s.transition(ctx, req, activitydomain.ActionExpired, func(sub *subscriptiondomain.Subscription, now time.Time) (string, error) {
		if sub.Status != subscriptiondomain.StatusActive {
			return "", subscriptiondomain.ErrInvalidTransition.Withf("cannot expire a %s subscription", sub.Status)
		}
		sub.Status = subscriptiondomain.StatusExpired
		sub.ExpiredAt = &now
		return "Subscription expired after grace period", nil
	})
}

func (s *Service) UpdateAutoRenew(ctx context.Context, id snowflake.ID, autoRenew bool, performedBy string) (*subscriptiondomain.Subscription, error) {
	req := subscriptiondomain.TransitionRequest{ID: id, PerformedBy: performedBy}
	return s.transition(ctx, req, activitydomain.ActionAutoRenewChanged, func(sub *subscriptiondomain.Subscription, now time.Time) (string, error) {
		if sub.Status == subscriptiondomain.StatusCancelled {
			return "", subscriptiondomain.ErrInvalidTransition.Withf("cannot change auto renew of a cancelled subscription")
		}
		sub.AutoRenew = autoRenew
		return fmt.Sprintf("Auto renew set to %t", autoRenew), nil
	})
}

func (s *Service) AdvanceBilling(ctx context.Context, id snowflake.ID, nextBillingDate, lastBillingDate time.Time) error {
	return db.Transaction(ctx, s.db, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.db)
		sub, err := s.repo.FindByIDForUpdate(ctx, conn, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		next := nextBillingDate.UTC()
		last := lastBillingDate.UTC()
		sub.NextBillingDate = &next
		sub.LastBillingDate = &last
		sub.UpdatedAt = s.clock.Now()
		return s.repo.UpdateLifecycle(ctx, conn, sub)
	})
}

type mutation func(sub *subscriptiondomain.Subscription, now time.Time) (description string, err error)

// transition locks the subscription, applies fn and writes the activity
// entry in one transaction.
func (s *Service) transition(ctx context.Context, req subscriptiondomain.TransitionRequest, action activitydomain.Action, fn mutation) (*subscriptiondomain.Subscription, error) {
	var out *subscriptiondomain.Subscription
	err := db.Transaction(ctx, s.db, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.db)
		sub, err := s.repo.FindByIDForUpdate(ctx, conn, req.ID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		before := sub.Snapshot()
		now := s.clock.Now()
		description, err := fn(sub, now)
		if err != nil {
			return err
		}
		sub.UpdatedAt = now

		if err := s.repo.UpdateLifecycle(ctx, conn, sub); err != nil {
			return err
		}

		var amount *decimal.Decimal
		if action == activitydomain.ActionRenewed || action == activitydomain.ActionAutoRenewed {
			price := subscriptiondomain.EffectivePrice(*sub)
			amount = &price
		}
		if err := s.record(ctx, sub, action, before, req, amount, description); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription.transition",
		zap.String("subscription_id", out.ID.String()),
		zap.String("action", string(action)),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

func (s *Service) record(ctx context.Context, sub *subscriptiondomain.Subscription, action activitydomain.Action, before map[string]any, req subscriptiondomain.TransitionRequest, amount *decimal.Decimal, description string) error {
	performedBy := req.PerformedBy
	if strings.TrimSpace(performedBy) == "" {
		performedBy = activitydomain.PerformedBySystem
	}

	_, inserted, err := s.activity.Record(ctx, activitydomain.RecordRequest{
		SubscriptionID: sub.ID,
		ClientID:       sub.ClientID,
		Action:         action,
		Description:    description,
		PreviousValues: before,
		NewValues:      sub.Snapshot(),
		Amount:         amount,
		Reason:         strings.TrimSpace(req.Reason),
		Automatic:      req.Automatic,
		PerformedBy:    performedBy,
		IdempotencyKey: req.IdempotencyKey,
		At:             sub.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return activitydomain.ErrDuplicateAction
	}
	return nil
}

func checkTransition(from, to subscriptiondomain.Status, verb string) error {
	if !subscriptiondomain.CanTransition(from, to) {
		return subscriptiondomain.ErrInvalidTransition.Withf("cannot %s a %s subscription", verb, from)
	}
	return nil
}

func ensureNextBilling(sub *subscriptiondomain.Subscription) {
	if sub.NextBillingDate == nil {
		end := sub.EndDate
		sub.NextBillingDate = &end
	}
}
