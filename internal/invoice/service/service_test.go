package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/billingcore/internal/activity/domain"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/billingcore/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"github.com/smallbiznis/billingcore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mar1 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newSubscription(t *testing.T, st *testutil.Stack) *subscriptiondomain.Subscription {
	t.Helper()
	req := testutil.MonthlyRequest(testutil.Date(2026, 3, 1), "100")
	req.Discount = subscriptiondomain.Discount{Percentage: decimal.NewFromInt(10)}
	req.Tax = subscriptiondomain.Tax{Percentage: decimal.NewFromInt(8)}
	return st.CreateSubscription(t, req)
}

func TestGenerateBillsNextPeriod(t *testing.T) {
	st := testutil.NewStack(t, mar1)
	ctx := context.Background()
	sub := newSubscription(t, st)

	res, err := st.Invoices.Generate(ctx, invoicedomain.GenerateRequest{SubscriptionID: sub.ID, PerformedBy: "ops"})
	require.NoError(t, err)
	require.True(t, res.Created)

	inv := res.Invoice
	assert.Equal(t, "INV-2026-0001", inv.Number)
	assert.Equal(t, invoicedomain.StatusDraft, inv.Status)
	assert.Equal(t, invoicedomain.PaymentStatusPending, inv.PaymentStatus)
	assert.Nil(t, inv.IssueDate)
	assert.WithinDuration(t, testutil.Date(2026, 4, 1), inv.BillingPeriod.Start, 0)
	assert.WithinDuration(t, testutil.Date(2026, 5, 1), inv.BillingPeriod.End, 0)
	assert.WithinDuration(t, mar1.AddDate(0, 0, 30), inv.DueDate, 0)
	assert.True(t, decimal.RequireFromString("97.2").Equal(inv.Amount.Total))
	assert.Equal(t, "USD", inv.Currency)
	assert.Equal(t, 1, st.CountActions(t, sub.ID, activitydomain.ActionInvoiceGenerated))
}

func TestGenerateIsIdempotentPerPeriod(t *testing.T) {
	st := testutil.NewStack(t, mar1)
	ctx := context.Background()
	sub := newSubscription(t, st)

	first, err := st.Invoices.Generate(ctx, invoicedomain.GenerateRequest{SubscriptionID: sub.ID})
	require.NoError(t, err)
	second, err := st.Invoices.Generate(ctx, invoicedomain.GenerateRequest{SubscriptionID: sub.ID})
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.Invoice.ID, second.Invoice.ID)
	assert.Equal(t, 1, st.CountActions(t, sub.ID, activitydomain.ActionInvoiceGenerated))

	start := testutil.Date(2026, 6, 1)
	other, err := st.Invoices.Generate(ctx, invoicedomain.GenerateRequest{SubscriptionID: sub.ID, PeriodStart: &start})
	require.NoError(t, err)
	assert.True(t, other.Created)
	assert.Equal(t, "INV-2026-0002", other.Invoice.Number)
}

func TestGenerateAdvancesBilling(t *testing.T) {
	st := testutil.NewStack(t, mar1)
	ctx := context.Background()
	sub := newSubscription(t, st)

	res, err := st.Invoices.Generate(ctx, invoicedomain.GenerateRequest{
		SubscriptionID: sub.ID,
		Send:           true,
		AdvanceBilling: true,
		Automatic:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusSent, res.Invoice.Status)
	assert.NotNil(t, res.Invoice.IssueDate)

	stored, err := st.Subscriptions.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextBillingDate)
	assert.WithinDuration(t, testutil.Date(2026, 5, 1), *stored.NextBillingDate, 0)
	require.NotNil(t, stored.LastBillingDate)
	assert.WithinDuration(t, mar1, *stored.LastBillingDate, 0)
}

func TestGenerateForPendingSubscriptionBillsInitialTerm(t *testing.T) {
	st := testutil.NewStack(t, mar1)
	req := testutil.MonthlyRequest(testutil.Date(2026, 3, 1), "40")
	req.RequirePayment = true
	sub := st.CreateSubscription(t, req)

	res, err := st.Invoices.Generate(context.Background(), invoicedomain.GenerateRequest{SubscriptionID: sub.ID, Send: true})
	require.NoError(t, err)
	assert.WithinDuration(t, testutil.Date(2026, 3, 1), res.Invoice.BillingPeriod.Start, 0)
	assert.WithinDuration(t, testutil.Date(2026, 4, 1), res.Invoice.BillingPeriod.End, 0)
}

func TestGenerateFullyDiscountedIsPaid(t *testing.T) {
	st := testutil.NewStack(t, mar1)
	req := testutil.MonthlyRequest(testutil.Date(2026, 3, 1), "25")
	req.Discount = subscriptiondomain.Discount{Percentage: decimal.NewFromInt(100)}
	sub := st.CreateSubscription(t, req)

	res, err := st.Invoices.Generate(context.Background(), invoicedomain.GenerateRequest{SubscriptionID: sub.ID})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaid, res.Invoice.Status)
	assert.Equal(t, invoicedomain.PaymentStatusPaid, res.Invoice.PaymentStatus)
	assert.True(t, res.Invoice.Amount.Total.IsZero())
}

func TestGenerateRejects(t *testing.T) {
	st := testutil.NewStack(t, mar1)
	ctx := context.Background()
	sub := newSubscription(t, st)

	past := mar1.AddDate(0, 0, -2)
	_, err := st.Invoices.Generate(ctx, invoicedomain.GenerateRequest{SubscriptionID: sub.ID, DueDate: &past})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidDueDate)

	start, end := testutil.Date(2026, 5, 1), testutil.Date(2026, 4, 1)
	_, err = st.Invoices.Generate(ctx, invoicedomain.GenerateRequest{SubscriptionID: sub.ID, PeriodStart: &start, PeriodEnd: &end})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidPeriod)

	_, err = st.Subscriptions.Cancel(ctx, subscriptiondomain.TransitionRequest{ID: sub.ID, Reason: "closed", PerformedBy: "ops"})
	require.NoError(t, err)
	_, err = st.Invoices.Generate(ctx, invoicedomain.GenerateRequest{SubscriptionID: sub.ID})
	assert.ErrorIs(t, err, invoicedomain.ErrSubscriptionClosed)

	_, err = st.Invoices.Generate(ctx, invoicedomain.GenerateRequest{SubscriptionID: 999})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	assert.Empty(t, st.CountActions(t, sub.ID, activitydomain.ActionInvoiceGenerated))
}

func TestMarkSentAndOverdue(t *testing.T) {
	st := testutil.NewStack(t, mar1)
	ctx := context.Background()
	sub := newSubscription(t, st)

	res, err := st.Invoices.Generate(ctx, invoicedomain.GenerateRequest{SubscriptionID: sub.ID})
	require.NoError(t, err)
	id := res.Invoice.ID

	_, err = st.Invoices.MarkOverdue(ctx, id)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidStatus, "drafts are never overdue")

	sent, err := st.Invoices.MarkSent(ctx, id, "ops")
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusSent, sent.Status)

	_, err = st.Invoices.MarkSent(ctx, id, "ops")
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidStatus)

	_, err = st.Invoices.MarkOverdue(ctx, id)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidStatus, "not yet past due")

	st.Clock.AdvanceDays(31)
	overdue, err := st.Invoices.MarkOverdue(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusOverdue, overdue.Status)
}

func TestCancel(t *testing.T) {
	st := testutil.NewStack(t, mar1)
	ctx := context.Background()
	sub := newSubscription(t, st)

	res, err := st.Invoices.Generate(ctx, invoicedomain.GenerateRequest{SubscriptionID: sub.ID, Send: true})
	require.NoError(t, err)

	_, err = st.Invoices.Cancel(ctx, res.Invoice.ID, "", "ops")
	assert.ErrorIs(t, err, invoicedomain.ErrReasonRequired)

	_, err = st.Payments.RecordPayment(ctx, paymentdomain.CreateRequest{
		InvoiceID:   res.Invoice.ID,
		Amount:      decimal.NewFromInt(10),
		Method:      paymentdomain.MethodBankTransfer,
		PerformedBy: "ops",
	})
	require.NoError(t, err)

	_, err = st.Invoices.Cancel(ctx, res.Invoice.ID, "duplicate", "ops")
	assert.ErrorIs(t, err, invoicedomain.ErrPaymentsRecorded)

	start := testutil.Date(2026, 9, 1)
	other, err := st.Invoices.Generate(ctx, invoicedomain.GenerateRequest{SubscriptionID: sub.ID, PeriodStart: &start})
	require.NoError(t, err)
	cancelled, err := st.Invoices.Cancel(ctx, other.Invoice.ID, "duplicate", "ops")
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancellationReason)

	_, err = st.Invoices.Cancel(ctx, other.Invoice.ID, "again", "ops")
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidStatus)
}

func TestAdjust(t *testing.T) {
	st := testutil.NewStack(t, mar1)
	ctx := context.Background()
	sub := newSubscription(t, st)

	res, err := st.Invoices.Generate(ctx, invoicedomain.GenerateRequest{SubscriptionID: sub.ID})
	require.NoError(t, err)

	discount := decimal.NewFromInt(20)
	adjusted, err := st.Invoices.Adjust(ctx, invoicedomain.AdjustRequest{
		ID:          res.Invoice.ID,
		Discount:    &discount,
		Reason:      "loyalty",
		PerformedBy: "ops",
	})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("87.2").Equal(adjusted.Amount.Total), "total %s", adjusted.Amount.Total)

	tooMuch := decimal.NewFromInt(500)
	_, err = st.Invoices.Adjust(ctx, invoicedomain.AdjustRequest{ID: res.Invoice.ID, Discount: &tooMuch})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidAdjustment)

	stored, err := st.Invoices.GetByID(ctx, res.Invoice.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("87.2").Equal(stored.Amount.Total))
}

func TestRecordReminderOncePerKey(t *testing.T) {
	st := testutil.NewStack(t, mar1)
	ctx := context.Background()
	sub := newSubscription(t, st)

	res, err := st.Invoices.Generate(ctx, invoicedomain.GenerateRequest{SubscriptionID: sub.ID, Send: true})
	require.NoError(t, err)

	req := invoicedomain.ReminderRequest{
		ID:             res.Invoice.ID,
		DaysOverdue:    7,
		IdempotencyKey: activitydomain.IdempotencyKey("payment_reminder", res.Invoice.ID, mar1, "7"),
	}
	inv, err := st.Invoices.RecordReminder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.RemindersSent)
	assert.NotNil(t, inv.LastReminderAt)

	_, err = st.Invoices.RecordReminder(ctx, req)
	assert.ErrorIs(t, err, activitydomain.ErrDuplicateAction)

	stored, err := st.Invoices.GetByID(ctx, res.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RemindersSent)
}

func TestListOpen(t *testing.T) {
	st := testutil.NewStack(t, mar1)
	ctx := context.Background()
	sub := newSubscription(t, st)

	for _, month := range []time.Month{4, 5, 6} {
		start := testutil.Date(2026, month, 1)
		_, err := st.Invoices.Generate(ctx, invoicedomain.GenerateRequest{SubscriptionID: sub.ID, PeriodStart: &start})
		require.NoError(t, err)
	}
	all, err := st.Invoices.ListOpen(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)

	_, err = st.Invoices.Cancel(ctx, all[0].ID, "void", "ops")
	require.NoError(t, err)

	open, err := st.Invoices.ListOpen(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	page, err := st.Invoices.ListOpen(ctx, open[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, open[1].ID, page[0].ID)

	list, err := st.Invoices.List(ctx, invoicedomain.ListRequest{SubscriptionID: &sub.ID, Status: invoicedomain.StatusCancelled})
	require.NoError(t, err)
	assert.Len(t, list.Invoices, 1)
}
