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
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/billingcore/internal/payment/domain"
	"github.com/smallbiznis/billingcore/internal/sequence"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"github.com/smallbiznis/billingcore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	GenID            *snowflake.Node
	Repo             paymentdomain.Repository
	InvoiceRepo      invoicedomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	Subscriptions    subscriptiondomain.Service
	Activity         activitydomain.Service
	Sequence         sequence.Allocator
	Clock            clock.Clock
}

type Service struct {
	db               *gorm.DB
	log              *zap.Logger
	genID            *snowflake.Node
	repo             paymentdomain.Repository
	invoiceRepo      invoicedomain.Repository
	subscriptionRepo subscriptiondomain.Repository
	subscriptions    subscriptiondomain.Service
	activity         activitydomain.Service
	sequence         sequence.Allocator
	clock            clock.Clock
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("payment.service"),
		genID:            p.GenID,
		repo:             p.Repo,
		invoiceRepo:      p.InvoiceRepo,
		subscriptionRepo: p.SubscriptionRepo,
		subscriptions:    p.Subscriptions,
		activity:         p.Activity,
		sequence:         p.Sequence,
		clock:            p.Clock,
	}
}

func (s *Service) Create(ctx context.Context, req paymentdomain.CreateRequest) (*paymentdomain.Payment, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	var out *paymentdomain.Payment
	err := db.Transaction(ctx, s.db, func(ctx context.Context) error {
		payment, err := s.create(ctx, req)
		if err != nil {
			return err
		}
		out = payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment.created",
		zap.String("payment_id", out.ID.String()),
		zap.String("invoice_id", out.InvoiceID.String()),
		zap.String("amount", out.Amount.String()),
	)
	return out, nil
}

// RecordPayment is the manual settlement path: the payment is created and
// completed together so the invoice and revenue move in one step.
func (s *Service) RecordPayment(ctx context.Context, req paymentdomain.CreateRequest) (*paymentdomain.Payment, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	var out *paymentdomain.Payment
	err := db.Transaction(ctx, s.db, func(ctx context.Context) error {
		payment, err := s.create(ctx, req)
		if err != nil {
			return err
		}
		completed, err := s.complete(ctx, paymentdomain.CompleteRequest{
			ID:            payment.ID,
			TransactionID: req.TransactionID,
			PerformedBy:   req.PerformedBy,
		})
		if err != nil {
			return err
		}
		out = completed
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment.recorded",
		zap.String("payment_id", out.ID.String()),
		zap.String("invoice_id", out.InvoiceID.String()),
		zap.String("amount", out.Amount.String()),
	)
	return out, nil
}

func validateCreate(req paymentdomain.CreateRequest) error {
	if !req.Amount.IsPositive() {
		return paymentdomain.ErrInvalidAmount
	}
	if req.GatewayFee.IsNegative() || req.ProcessingFee.IsNegative() {
		return paymentdomain.ErrInvalidFees
	}
	if !req.Method.Valid() {
		return paymentdomain.ErrInvalidMethod
	}
	return nil
}

func (s *Service) create(ctx context.Context, req paymentdomain.CreateRequest) (*paymentdomain.Payment, error) {
	conn := db.Conn(ctx, s.db)
	inv, err := s.invoiceRepo.FindByIDForUpdate(ctx, conn, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if inv.Status.Closed() {
		return nil, paymentdomain.ErrInvoiceClosed.Withf("invoice %s is %s", inv.Number, inv.Status)
	}
	amount := req.Amount.Round(2)
	if amount.GreaterThan(inv.Outstanding()) {
		return nil, paymentdomain.ErrOverpayment.Withf("amount %s exceeds outstanding %s", amount, inv.Outstanding())
	}

	now := s.clock.Now()
	number, err := s.sequence.NextCode(ctx, sequence.ScopePayment, now)
	if err != nil {
		return nil, err
	}

	gatewayFee := req.GatewayFee.Round(2)
	processingFee := req.ProcessingFee.Round(2)
	payment := &paymentdomain.Payment{
		ID:             s.genID.Generate(),
		Number:         number,
		InvoiceID:      inv.ID,
		SubscriptionID: inv.SubscriptionID,
		ClientID:       inv.ClientID,
		Amount:         amount,
		Currency:       inv.Currency,
		Method:         req.Method,
		Status:         paymentdomain.StatusPending,
		TransactionID:  strings.TrimSpace(req.TransactionID),
		Fees: paymentdomain.Fees{
			GatewayFee:    gatewayFee,
			ProcessingFee: processingFee,
			Total:         gatewayFee.Add(processingFee),
		},
		Refund:    paymentdomain.Refund{RefundAmount: decimal.Zero},
		Notes:     strings.TrimSpace(req.Notes),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, conn, payment); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, paymentdomain.ErrConcurrentNumbering
		}
		return nil, err
	}

	if err := s.record(ctx, payment, activitydomain.RecordRequest{
		Action:      activitydomain.ActionPaymentCreated,
		Description: fmt.Sprintf("Payment %s of %s %s created for invoice %s", payment.Number, amount, payment.Currency, inv.Number),
		NewValues:   map[string]any{"status": string(payment.Status), "method": string(payment.Method)},
		Amount:      &amount,
		PerformedBy: req.PerformedBy,
		At:          now,
	}); err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*paymentdomain.Payment, error) {
	payment, err := s.repo.FindByID(ctx, db.Conn(ctx, s.db), id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *Service) ListByInvoice(ctx context.Context, invoiceID snowflake.ID) ([]*paymentdomain.Payment, error) {
	return s.repo.ListByInvoice(ctx, db.Conn(ctx, s.db), invoiceID)
}

func (s *Service) MarkProcessing(ctx context.Context, id snowflake.ID, performedBy string) (*paymentdomain.Payment, error) {
	return s.mutate(ctx, id, func(ctx context.Context, p *paymentdomain.Payment, now time.Time) (*activitydomain.RecordRequest, error) {
		if p.Status != paymentdomain.StatusPending {
			return nil, paymentdomain.ErrInvalidStatus.Withf("cannot process a %s payment", p.Status)
		}
		p.Status = paymentdomain.StatusProcessing
		return nil, nil
	})
}

// MarkCompleted settles the payment and propagates the amount to the invoice
// and the subscription revenue.
func (s *Service) MarkCompleted(ctx context.Context, req paymentdomain.CompleteRequest) (*paymentdomain.Payment, error) {
	var out *paymentdomain.Payment
	err := db.Transaction(ctx, s.db, func(ctx context.Context) error {
		payment, err := s.complete(ctx, req)
		if err != nil {
			return err
		}
		out = payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment.completed",
		zap.String("payment_id", out.ID.String()),
		zap.String("invoice_id", out.InvoiceID.String()),
		zap.String("amount", out.Amount.String()),
	)
	return out, nil
}

func (s *Service) complete(ctx context.Context, req paymentdomain.CompleteRequest) (*paymentdomain.Payment, error) {
	return s.mutate(ctx, req.ID, func(ctx context.Context, p *paymentdomain.Payment, now time.Time) (*activitydomain.RecordRequest, error) {
		if p.Status != paymentdomain.StatusPending && p.Status != paymentdomain.StatusProcessing {
			return nil, paymentdomain.ErrInvalidStatus.Withf("cannot complete a %s payment", p.Status)
		}
		p.Status = paymentdomain.StatusCompleted
		p.ProcessedDate = &now
		if tx := strings.TrimSpace(req.TransactionID); tx != "" {
			p.TransactionID = tx
		}
		if req.GatewayResponse != nil {
			p.GatewayResponse = datatypes.JSONMap(req.GatewayResponse)
		}

		inv, err := s.propagate(ctx, p, p.Amount, now, req.PerformedBy)
		if err != nil {
			return nil, err
		}

		amount := p.Amount
		return &activitydomain.RecordRequest{
			Action:      activitydomain.ActionPaymentCompleted,
			Description: fmt.Sprintf("Payment %s completed, invoice %s is %s", p.Number, inv.Number, inv.PaymentStatus),
			NewValues: map[string]any{
				"invoice_paid_amount":    inv.PaidAmount.String(),
				"invoice_payment_status": string(inv.PaymentStatus),
			},
			Amount:      &amount,
			PerformedBy: req.PerformedBy,
		}, nil
	})
}

func (s *Service) MarkFailed(ctx context.Context, req paymentdomain.FailRequest) (*paymentdomain.Payment, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, paymentdomain.ErrReasonRequired
	}
	return s.mutate(ctx, req.ID, func(ctx context.Context, p *paymentdomain.Payment, now time.Time) (*activitydomain.RecordRequest, error) {
		if p.Status != paymentdomain.StatusPending && p.Status != paymentdomain.StatusProcessing {
			return nil, paymentdomain.ErrInvalidStatus.Withf("cannot fail a %s payment", p.Status)
		}
		p.Status = paymentdomain.StatusFailed
		p.FailureReason = reason
		p.ProcessedDate = &now
		if req.GatewayResponse != nil {
			p.GatewayResponse = datatypes.JSONMap(req.GatewayResponse)
		}
		amount := p.Amount
		return &activitydomain.RecordRequest{
			Action:      activitydomain.ActionPaymentFailed,
			Description: fmt.Sprintf("Payment %s failed", p.Number),
			Reason:      reason,
			Amount:      &amount,
			PerformedBy: req.PerformedBy,
		}, nil
	})
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID, reason, performedBy string) (*paymentdomain.Payment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, paymentdomain.ErrReasonRequired
	}
	return s.mutate(ctx, id, func(ctx context.Context, p *paymentdomain.Payment, now time.Time) (*activitydomain.RecordRequest, error) {
		if p.Status != paymentdomain.StatusPending {
			return nil, paymentdomain.ErrInvalidStatus.Withf("cannot cancel a %s payment", p.Status)
		}
		p.Status = paymentdomain.StatusCancelled
		return &activitydomain.RecordRequest{
			Action:      activitydomain.ActionPaymentCancelled,
			Description: fmt.Sprintf("Payment %s cancelled", p.Number),
			Reason:      reason,
			PerformedBy: performedBy,
		}, nil
	})
}

// ProcessRefund returns part or all of a settled payment and mirrors the
// decrement onto the invoice and the subscription revenue.
func (s *Service) ProcessRefund(ctx context.Context, req paymentdomain.RefundRequest) (*paymentdomain.Payment, error) {
	amount := req.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, paymentdomain.ErrInvalidAmount
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, paymentdomain.ErrReasonRequired
	}

	out, err := s.mutate(ctx, req.ID, func(ctx context.Context, p *paymentdomain.Payment, now time.Time) (*activitydomain.RecordRequest, error) {
		if !p.Status.Settled() {
			return nil, paymentdomain.ErrInvalidStatus.Withf("cannot refund a %s payment", p.Status)
		}
		if amount.GreaterThan(p.Refundable()) {
			return nil, paymentdomain.ErrRefundExceeds.Withf("refund %s exceeds refundable %s", amount, p.Refundable())
		}

		p.Refund.RefundAmount = p.Refund.RefundAmount.Add(amount)
		p.Refund.IsRefunded = true
		p.Refund.RefundDate = &now
		p.Refund.RefundReason = reason
		if tx := strings.TrimSpace(req.RefundTransactionID); tx != "" {
			p.Refund.RefundTransactionID = tx
		}
		if p.Refund.RefundAmount.GreaterThanOrEqual(p.Amount) {
			p.Status = paymentdomain.StatusRefunded
		} else {
			p.Status = paymentdomain.StatusPartiallyRefunded
		}

		inv, err := s.propagate(ctx, p, amount.Neg(), now, req.PerformedBy)
		if err != nil {
			return nil, err
		}

		return &activitydomain.RecordRequest{
			Action:      activitydomain.ActionPaymentRefunded,
			Description: fmt.Sprintf("Refund of %s on payment %s", amount, p.Number),
			NewValues: map[string]any{
				"refund_amount":          p.Refund.RefundAmount.String(),
				"status":                 string(p.Status),
				"invoice_paid_amount":    inv.PaidAmount.String(),
				"invoice_payment_status": string(inv.PaymentStatus),
			},
			Amount:      &amount,
			Reason:      reason,
			PerformedBy: req.PerformedBy,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment.refunded",
		zap.String("payment_id", out.ID.String()),
		zap.String("amount", amount.String()),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

func (s *Service) Verify(ctx context.Context, id snowflake.ID, by string) (*paymentdomain.Payment, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return nil, paymentdomain.ErrActorRequired
	}
	return s.mutate(ctx, id, func(ctx context.Context, p *paymentdomain.Payment, now time.Time) (*activitydomain.RecordRequest, error) {
		p.VerifiedBy = &by
		p.VerifiedAt = &now
		return &activitydomain.RecordRequest{
			Action:      activitydomain.ActionPaymentVerified,
			Description: fmt.Sprintf("Payment %s verified by %s", p.Number, by),
			PerformedBy: by,
		}, nil
	})
}

// Reconcile marks a settled payment as matched against an external
// settlement record.
func (s *Service) Reconcile(ctx context.Context, id snowflake.ID, by string) (*paymentdomain.Payment, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return nil, paymentdomain.ErrActorRequired
	}
	return s.mutate(ctx, id, func(ctx context.Context, p *paymentdomain.Payment, now time.Time) (*activitydomain.RecordRequest, error) {
		if !p.Status.Settled() {
			return nil, paymentdomain.ErrInvalidStatus.Withf("cannot reconcile a %s payment", p.Status)
		}
		p.ReconciledBy = &by
		p.ReconciledAt = &now
		return &activitydomain.RecordRequest{
			Action:      activitydomain.ActionPaymentReconciled,
			Description: fmt.Sprintf("Payment %s reconciled by %s", p.Number, by),
			PerformedBy: by,
		}, nil
	})
}

type paymentMutation func(ctx context.Context, p *paymentdomain.Payment, now time.Time) (*activitydomain.RecordRequest, error)

// mutate locks the payment, applies fn and persists the payment together with
// the activity entry fn returns. A nil entry records nothing.
func (s *Service) mutate(ctx context.Context, id snowflake.ID, fn paymentMutation) (*paymentdomain.Payment, error) {
	var out *paymentdomain.Payment
	err := db.Transaction(ctx, s.db, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.db)
		payment, err := s.repo.FindByIDForUpdate(ctx, conn, id)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrPaymentNotFound
		}

		now := s.clock.Now()
		entry, err := fn(ctx, payment, now)
		if err != nil {
			return err
		}
		payment.UpdatedAt = now
		if err := s.repo.Update(ctx, conn, payment); err != nil {
			return err
		}

		if entry != nil {
			entry.At = now
			if err := s.record(ctx, payment, *entry); err != nil {
				return err
			}
		}
		out = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// propagate moves delta onto the invoice paid amount and the subscription
// revenue, and activates a subscription whose first invoice became paid.
func (s *Service) propagate(ctx context.Context, p *paymentdomain.Payment, delta decimal.Decimal, now time.Time, performedBy string) (*paymentdomain.Settlement, error) {
	conn := db.Conn(ctx, s.db)

	inv, err := s.invoiceRepo.FindByIDForUpdate(ctx, conn, p.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if delta.IsPositive() && inv.Status == invoicedomain.StatusCancelled {
		return nil, paymentdomain.ErrInvoiceClosed.Withf("invoice %s is cancelled", inv.Number)
	}
	// Pending payments are not reserved against the invoice, so the balance
	// is checked again under the invoice lock.
	if delta.GreaterThan(inv.Outstanding()) {
		return nil, paymentdomain.ErrOverpayment.Withf("payment %s of %s exceeds outstanding %s of invoice %s", p.Number, delta, inv.Outstanding(), inv.Number)
	}

	settlement := paymentdomain.Settle(*inv, delta, now)
	if err := s.repo.ApplySettlement(ctx, conn, settlement); err != nil {
		return nil, err
	}

	sub, err := s.subscriptionRepo.FindByIDForUpdate(ctx, conn, p.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	revenue := decimal.Max(decimal.Zero, sub.TotalRevenue.Add(delta)).Round(2)
	if err := s.repo.SetRevenue(ctx, conn, sub.ID, revenue, now); err != nil {
		return nil, err
	}

	if settlement.Status == invoicedomain.StatusPaid && sub.Status == subscriptiondomain.StatusPendingPayment {
		if _, err := s.subscriptions.Activate(ctx, subscriptiondomain.TransitionRequest{
			ID:          sub.ID,
			Reason:      fmt.Sprintf("invoice %s paid", inv.Number),
			PerformedBy: performedBy,
		}); err != nil {
			return nil, err
		}
	}

	return &settlement, nil
}

func (s *Service) record(ctx context.Context, p *paymentdomain.Payment, req activitydomain.RecordRequest) error {
	req.SubscriptionID = p.SubscriptionID
	req.ClientID = p.ClientID
	req.InvoiceID = &p.InvoiceID
	req.PaymentID = &p.ID
	if strings.TrimSpace(req.PerformedBy) == "" {
		req.PerformedBy = activitydomain.PerformedBySystem
	}

	_, inserted, err := s.activity.Record(ctx, req)
	if err != nil {
		return err
	}
	if !inserted {
		return activitydomain.ErrDuplicateAction
	}
	return nil
}
