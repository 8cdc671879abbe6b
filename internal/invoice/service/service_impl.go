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
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	"github.com/smallbiznis/billingcore/internal/sequence"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"github.com/smallbiznis/billingcore/pkg/db"
	"github.com/smallbiznis/billingcore/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultDueDays = 30

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Repo          invoicedomain.Repository
	Subscriptions subscriptiondomain.Service
	Activity      activitydomain.Service
	Sequence      sequence.Allocator
	Clock         clock.Clock
	Automation    config.AutomationSource `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	repo          invoicedomain.Repository
	subscriptions subscriptiondomain.Service
	activity      activitydomain.Service
	sequence      sequence.Allocator
	clock         clock.Clock
	automation    config.AutomationSource
}

func NewService(p Params) invoicedomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("invoice.service"),
		genID:         p.GenID,
		repo:          p.Repo,
		subscriptions: p.Subscriptions,
		activity:      p.Activity,
		sequence:      p.Sequence,
		clock:         p.Clock,
		automation:    p.Automation,
	}
}

// Generate issues the invoice for one billing period of a subscription. It
// is idempotent per period: a second call returns the existing invoice with
// Created set to false.
func (s *Service) Generate(ctx context.Context, req invoicedomain.GenerateRequest) (invoicedomain.GenerateResult, error) {
	var result invoicedomain.GenerateResult

	err := db.Transaction(ctx, s.db, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.db)
		sub, err := s.subscriptions.GetByID(ctx, req.SubscriptionID)
		if err != nil {
			return err
		}
		if sub.Status == subscriptiondomain.StatusCancelled {
			return invoicedomain.ErrSubscriptionClosed
		}

		start, end := billingPeriod(*sub, req)
		if !end.After(start) {
			return invoicedomain.ErrInvalidPeriod
		}

		periodKey := invoicedomain.PeriodKey(start)
		existing, err := s.repo.FindByPeriod(ctx, conn, sub.ID, periodKey)
		if err != nil {
			return err
		}
		if existing != nil {
			result = invoicedomain.GenerateResult{Invoice: existing}
			return nil
		}

		now := s.clock.Now()
		due := now.AddDate(0, 0, s.dueDays())
		if req.DueDate != nil {
			due = req.DueDate.UTC()
		}
		if due.Before(clock.StartOfDay(now)) {
			return invoicedomain.ErrInvalidDueDate
		}

		number, err := s.sequence.NextCode(ctx, sequence.ScopeInvoice, now)
		if err != nil {
			return err
		}

		inv := &invoicedomain.Invoice{
			ID:             s.genID.Generate(),
			Number:         number,
			SubscriptionID: sub.ID,
			ClientID:       sub.ClientID,
			BillingPeriod:  invoicedomain.BillingPeriod{Start: start, End: end},
			PeriodKey:      periodKey,
			Amount:         invoicedomain.ComputeAmounts(*sub, start),
			Currency:       sub.Currency,
			Status:         invoicedomain.StatusDraft,
			PaymentStatus:  invoicedomain.PaymentStatusPending,
			DueDate:        due,
			PaidAmount:     decimal.Zero,
			Notes:          strings.TrimSpace(req.Notes),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if req.Send {
			inv.Status = invoicedomain.StatusSent
			inv.IssueDate = &now
		}
		if !inv.Amount.Total.IsPositive() {
			// Nothing to collect: a fully discounted period is settled on issue.
			inv.Status = invoicedomain.StatusPaid
			inv.PaymentStatus = invoicedomain.PaymentStatusPaid
			inv.IssueDate = &now
			inv.PaidDate = &now
		}

		inserted, err := s.repo.Insert(ctx, conn, inv)
		if err != nil {
			if db.IsDuplicateKeyErr(err) {
				return invoicedomain.ErrConcurrentNumbering
			}
			return err
		}
		if !inserted {
			existing, err := s.repo.FindByPeriod(ctx, conn, sub.ID, periodKey)
			if err != nil {
				return err
			}
			result = invoicedomain.GenerateResult{Invoice: existing}
			return nil
		}

		total := inv.Amount.Total
		_, recorded, err := s.activity.Record(ctx, activitydomain.RecordRequest{
			SubscriptionID: sub.ID,
			ClientID:       sub.ClientID,
			InvoiceID:      &inv.ID,
			Action:         activitydomain.ActionInvoiceGenerated,
			Description: fmt.Sprintf("Invoice %s generated for %s to %s",
				inv.Number, start.Format(time.DateOnly), end.Format(time.DateOnly)),
			NewValues: map[string]any{
				"invoice_number": inv.Number,
				"status":         string(inv.Status),
				"total":          total.String(),
				"due_date":       due.Format(time.RFC3339),
			},
			Amount:         &total,
			Automatic:      req.Automatic,
			PerformedBy:    performer(req.PerformedBy),
			IdempotencyKey: req.IdempotencyKey,
			At:             now,
		})
		if err != nil {
			return err
		}
		if !recorded {
			return activitydomain.ErrDuplicateAction
		}

		if req.AdvanceBilling {
			if err := s.subscriptions.AdvanceBilling(ctx, sub.ID, end, now); err != nil {
				return err
			}
		}

		result = invoicedomain.GenerateResult{Invoice: inv, Created: true}
		return nil
	})
	if err != nil {
		return invoicedomain.GenerateResult{}, err
	}

	if result.Created {
		s.log.Info("invoice.generated",
			zap.String("invoice_id", result.Invoice.ID.String()),
			zap.String("invoice_number", result.Invoice.Number),
			zap.String("subscription_id", result.Invoice.SubscriptionID.String()),
			zap.String("total", result.Invoice.Amount.Total.String()),
		)
	}
	return result, nil
}

// billingPeriod resolves the period to invoice. A subscription awaiting its
// first payment is billed for its initial term.
func billingPeriod(sub subscriptiondomain.Subscription, req invoicedomain.GenerateRequest) (time.Time, time.Time) {
	var start time.Time
	switch {
	case req.PeriodStart != nil:
		start = req.PeriodStart.UTC()
	case sub.Status == subscriptiondomain.StatusPendingPayment && sub.RenewalCount == 0:
		start = sub.StartDate
	case sub.NextBillingDate != nil:
		start = *sub.NextBillingDate
	default:
		start = sub.EndDate
	}

	var end time.Time
	switch {
	case req.PeriodEnd != nil:
		end = req.PeriodEnd.UTC()
	case req.PeriodStart == nil && sub.Status == subscriptiondomain.StatusPendingPayment && sub.RenewalCount == 0:
		end = sub.EndDate
	default:
		end = subscriptiondomain.AddBillingCycle(start, sub.BillingCycle, sub.BillingAnchorDay, sub.CustomCycleDays)
	}
	return start.UTC(), end.UTC()
}

func (s *Service) dueDays() int {
	if s.automation == nil {
		return defaultDueDays
	}
	if days := s.automation.Get().InvoiceDueDays; days > 0 {
		return days
	}
	return defaultDueDays
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	inv, err := s.repo.FindByID(ctx, db.Conn(ctx, s.db), id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return inv, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListRequest) (invoicedomain.ListResponse, error) {
	afterID, err := pagination.AfterID(req.PageToken)
	if err != nil {
		return invoicedomain.ListResponse{}, invoicedomain.ErrInvalidPageToken
	}

	filter := invoicedomain.ListFilter{
		SubscriptionID: req.SubscriptionID,
		AfterID:        afterID,
		Limit:          req.Limit() + 1,
	}
	if req.Status != "" {
		filter.Statuses = []invoicedomain.Status{req.Status}
	}

	items, err := s.repo.List(ctx, db.Conn(ctx, s.db), filter)
	if err != nil {
		return invoicedomain.ListResponse{}, err
	}
	page, info := pagination.Trim(items, req.Limit(), func(i *invoicedomain.Invoice) int64 { return i.ID.Int64() })
	return invoicedomain.ListResponse{PageInfo: info, Invoices: page}, nil
}

func (s *Service) ListOpen(ctx context.Context, afterID snowflake.ID, limit int) ([]*invoicedomain.Invoice, error) {
	return s.repo.List(ctx, db.Conn(ctx, s.db), invoicedomain.ListFilter{
		Statuses: []invoicedomain.Status{invoicedomain.StatusDraft, invoicedomain.StatusSent, invoicedomain.StatusOverdue},
		AfterID:  afterID.Int64(),
		Limit:    limit,
	})
}

func (s *Service) MarkSent(ctx context.Context, id snowflake.ID, performedBy string) (*invoicedomain.Invoice, error) {
	return s.update(ctx, id, func(inv *invoicedomain.Invoice, now time.Time) (*activitydomain.RecordRequest, error) {
		if inv.Status != invoicedomain.StatusDraft {
			return nil, invoicedomain.ErrInvalidStatus.Withf("cannot send a %s invoice", inv.Status)
		}
		inv.Status = invoicedomain.StatusSent
		inv.IssueDate = &now
		return &activitydomain.RecordRequest{
			Action:      activitydomain.ActionInvoiceSent,
			Description: fmt.Sprintf("Invoice %s sent", inv.Number),
			PerformedBy: performedBy,
		}, nil
	})
}

// MarkOverdue flags a sent invoice whose due date has passed.
func (s *Service) MarkOverdue(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	return s.update(ctx, id, func(inv *invoicedomain.Invoice, now time.Time) (*activitydomain.RecordRequest, error) {
		if inv.Status != invoicedomain.StatusSent || !invoicedomain.IsOverdue(*inv, now) {
			return nil, invoicedomain.ErrInvalidStatus.Withf("invoice %s is not overdue", inv.Number)
		}
		inv.Status = invoicedomain.StatusOverdue
		return &activitydomain.RecordRequest{
			Action:      activitydomain.ActionInvoiceOverdue,
			Description: fmt.Sprintf("Invoice %s is overdue", inv.Number),
			Automatic:   true,
		}, nil
	})
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID, reason, performedBy string) (*invoicedomain.Invoice, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invoicedomain.ErrReasonRequired
	}
	return s.update(ctx, id, func(inv *invoicedomain.Invoice, now time.Time) (*activitydomain.RecordRequest, error) {
		if inv.Status.Closed() {
			return nil, invoicedomain.ErrInvalidStatus.Withf("cannot cancel a %s invoice", inv.Status)
		}
		if inv.PaidAmount.IsPositive() {
			return nil, invoicedomain.ErrPaymentsRecorded
		}
		inv.Status = invoicedomain.StatusCancelled
		inv.CancellationReason = &reason
		return &activitydomain.RecordRequest{
			Action:      activitydomain.ActionInvoiceCancelled,
			Description: fmt.Sprintf("Invoice %s cancelled", inv.Number),
			Reason:      reason,
			PerformedBy: performedBy,
		}, nil
	})
}

// Adjust replaces the discount and/or tax of an unpaid invoice and recomputes its total.
func (s *Service) Adjust(ctx context.Context, req invoicedomain.AdjustRequest) (*invoicedomain.Invoice, error) {
	return s.update(ctx, req.ID, func(inv *invoicedomain.Invoice, now time.Time) (*activitydomain.RecordRequest, error) {
		if inv.Status.Closed() {
			return nil, invoicedomain.ErrInvalidStatus.Withf("cannot adjust a %s invoice", inv.Status)
		}
		if inv.PaidAmount.IsPositive() {
			return nil, invoicedomain.ErrPaymentsRecorded
		}

		amount := inv.Amount
		if req.Discount != nil {
			amount.Discount = req.Discount.Round(2)
		}
		if req.Tax != nil {
			amount.Tax = req.Tax.Round(2)
		}
		if amount.Discount.IsNegative() || amount.Tax.IsNegative() || amount.Discount.GreaterThan(amount.Subtotal) {
			return nil, invoicedomain.ErrInvalidAdjustment
		}
		previous := inv.Amount
		inv.Amount = amount.Recompute()

		total := inv.Amount.Total
		return &activitydomain.RecordRequest{
			Action:         activitydomain.ActionInvoiceAdjusted,
			Description:    fmt.Sprintf("Invoice %s adjusted", inv.Number),
			PreviousValues: amountSnapshot(previous),
			NewValues:      amountSnapshot(inv.Amount),
			Amount:         &total,
			Reason:         strings.TrimSpace(req.Reason),
			PerformedBy:    req.PerformedBy,
		}, nil
	})
}

// RecordReminder counts a payment reminder sent for an overdue invoice.
func (s *Service) RecordReminder(ctx context.Context, req invoicedomain.ReminderRequest) (*invoicedomain.Invoice, error) {
	return s.update(ctx, req.ID, func(inv *invoicedomain.Invoice, now time.Time) (*activitydomain.RecordRequest, error) {
		if inv.Status.Closed() {
			return nil, invoicedomain.ErrInvalidStatus.Withf("cannot remind about a %s invoice", inv.Status)
		}
		inv.RemindersSent++
		inv.LastReminderAt = &now
		outstanding := inv.Outstanding()
		return &activitydomain.RecordRequest{
			Action:      activitydomain.ActionPaymentReminder,
			Description: fmt.Sprintf("Payment reminder %d for invoice %s, %d days overdue", inv.RemindersSent, inv.Number, req.DaysOverdue),
			Amount:      &outstanding,
			Details: map[string]any{
				"days_overdue":   req.DaysOverdue,
				"reminders_sent": inv.RemindersSent,
			},
			Automatic:      true,
			IdempotencyKey: req.IdempotencyKey,
		}, nil
	})
}

type invoiceMutation func(inv *invoicedomain.Invoice, now time.Time) (*activitydomain.RecordRequest, error)

func (s *Service) update(ctx context.Context, id snowflake.ID, fn invoiceMutation) (*invoicedomain.Invoice, error) {
	var out *invoicedomain.Invoice
	err := db.Transaction(ctx, s.db, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.db)
		inv, err := s.repo.FindByIDForUpdate(ctx, conn, id)
		if err != nil {
			return err
		}
		if inv == nil {
			return invoicedomain.ErrInvoiceNotFound
		}

		now := s.clock.Now()
		entry, err := fn(inv, now)
		if err != nil {
			return err
		}
		inv.UpdatedAt = now
		if err := s.repo.UpdateDocument(ctx, conn, inv); err != nil {
			return err
		}

		entry.SubscriptionID = inv.SubscriptionID
		entry.ClientID = inv.ClientID
		entry.InvoiceID = &inv.ID
		entry.PerformedBy = performer(entry.PerformedBy)
		entry.At = now
		_, inserted, err := s.activity.Record(ctx, *entry)
		if err != nil {
			return err
		}
		if !inserted {
			return activitydomain.ErrDuplicateAction
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func performer(by string) string {
	if strings.TrimSpace(by) == "" {
		return activitydomain.PerformedBySystem
	}
	return by
}

func amountSnapshot(a invoicedomain.Amount) map[string]any {
	return map[string]any{
		"subtotal": a.Subtotal.String(),
		"discount": a.Discount.String(),
		"tax":      a.Tax.String(),
		"total":    a.Total.String(),
	}
}
