package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/billingcore/internal/activity/domain"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"github.com/smallbiznis/billingcore/internal/testutil"
	"github.com/smallbiznis/billingcore/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jan15 = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func TestCreate(t *testing.T) {
	st := testutil.NewStack(t, jan15)
	ctx := context.Background()

	req := testutil.MonthlyRequest(time.Time{}, "100")
	req.Currency = ""
	req.Discount = subscriptiondomain.Discount{Percentage: decimal.NewFromInt(10)}
	req.Tax = subscriptiondomain.Tax{Percentage: decimal.NewFromInt(8)}
	req.Metadata = map[string]any{"billing_email": "ops@example.com"}

	sub, err := st.Subscriptions.Create(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, "SUB-2026-0001", sub.Code)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.Equal(t, "USD", sub.Currency)
	assert.Equal(t, jan15, sub.StartDate)
	assert.Equal(t, jan15.AddDate(0, 1, 0), sub.EndDate)
	require.NotNil(t, sub.NextBillingDate)
	assert.Equal(t, sub.EndDate, *sub.NextBillingDate)
	assert.Equal(t, subscriptiondomain.DefaultGracePeriodDays, sub.GracePeriodDays)
	assert.True(t, sub.TotalRevenue.IsZero())

	stored, err := st.Subscriptions.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Code, stored.Code)
	assert.Equal(t, "ops@example.com", stored.Metadata["billing_email"])

	entries := st.ActivityFor(t, sub.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, activitydomain.ActionCreated, entries[0].Action)
	assert.Equal(t, "tester", entries[0].PerformedBy)
	require.True(t, entries[0].Metadata.Amount.Valid)
	assert.True(t, decimal.RequireFromString("97.2").Equal(entries[0].Metadata.Amount.Decimal))

	second, err := st.Subscriptions.Create(ctx, testutil.MonthlyRequest(jan15, "10"))
	require.NoError(t, err)
	assert.Equal(t, "SUB-2026-0002", second.Code)
}

func TestCreateRequiringPayment(t *testing.T) {
	st := testutil.NewStack(t, jan15)

	req := testutil.MonthlyRequest(jan15, "50")
	req.RequirePayment = true
	sub := st.CreateSubscription(t, req)

	assert.Equal(t, subscriptiondomain.StatusPendingPayment, sub.Status)
	assert.Nil(t, sub.NextBillingDate)
}

func TestCreateValidation(t *testing.T) {
	st := testutil.NewStack(t, jan15)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*subscriptiondomain.CreateRequest)
		want   error
	}{
		{"missing client", func(r *subscriptiondomain.CreateRequest) { r.ClientID = 0 }, subscriptiondomain.ErrInvalidClient},
		{"missing package", func(r *subscriptiondomain.CreateRequest) { r.PackageID = 0 }, subscriptiondomain.ErrInvalidPackage},
		{"unknown cycle", func(r *subscriptiondomain.CreateRequest) { r.BillingCycle = "weekly" }, subscriptiondomain.ErrInvalidBillingCycle},
		{"negative price", func(r *subscriptiondomain.CreateRequest) { r.BasePrice = decimal.NewFromInt(-1) }, subscriptiondomain.ErrInvalidPrice},
		{"discount over 100", func(r *subscriptiondomain.CreateRequest) {
			r.Discount.Percentage = decimal.NewFromInt(120)
		}, subscriptiondomain.ErrInvalidDiscount},
		{"negative tax", func(r *subscriptiondomain.CreateRequest) { r.Tax.Amount = decimal.NewFromInt(-2) }, subscriptiondomain.ErrInvalidTax},
		{"end before start", func(r *subscriptiondomain.CreateRequest) {
			end := jan15.AddDate(0, 0, -1)
			r.EndDate = &end
		}, subscriptiondomain.ErrInvalidPeriod},
		{"bad currency", func(r *subscriptiondomain.CreateRequest) { r.Currency = "EURO" }, subscriptiondomain.ErrInvalidCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.MonthlyRequest(jan15, "10")
			tt.mutate(&req)
			_, err := st.Subscriptions.Create(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRenewFromPreviousEndDate(t *testing.T) {
	st := testutil.NewStack(t, jan15)
	ctx := context.Background()
	sub := st.CreateSubscription(t, testutil.MonthlyRequest(jan15, "100"))

	st.Clock.AdvanceDays(40)
	res, err := st.Subscriptions.Renew(ctx, subscriptiondomain.TransitionRequest{ID: sub.ID, PerformedBy: "ops"})
	require.NoError(t, err)

	assert.WithinDuration(t, jan15.AddDate(0, 1, 0), res.PreviousEndDate, 0)
	assert.WithinDuration(t, jan15.AddDate(0, 2, 0), res.Subscription.EndDate, 0)
	assert.Equal(t, 1, res.Subscription.RenewalCount)
	assert.Equal(t, 1, st.CountActions(t, sub.ID, activitydomain.ActionRenewed))

	renewedAt := jan15.AddDate(0, 0, 40)
	require.NotNil(t, res.Subscription.LastBillingDate)
	assert.WithinDuration(t, renewedAt, *res.Subscription.LastBillingDate, 0)

	stored, err := st.Subscriptions.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastBillingDate)
	assert.WithinDuration(t, renewedAt, *stored.LastBillingDate, 0)
}

func TestRenewWithIdempotencyKeyAppliesOnce(t *testing.T) {
	st := testutil.NewStack(t, jan15)
	ctx := context.Background()
	sub := st.CreateSubscription(t, testutil.MonthlyRequest(jan15, "100"))

	req := subscriptiondomain.TransitionRequest{
		ID:             sub.ID,
		Automatic:      true,
		PerformedBy:    activitydomain.PerformedBySystem,
		IdempotencyKey: activitydomain.IdempotencyKey("auto_renewed", sub.ID, jan15),
	}
	_, err := st.Subscriptions.Renew(ctx, req)
	require.NoError(t, err)

	_, err = st.Subscriptions.Renew(ctx, req)
	assert.ErrorIs(t, err, activitydomain.ErrDuplicateAction)

	stored, err := st.Subscriptions.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, jan15.AddDate(0, 2, 0), stored.EndDate, 0, "duplicate renewal rolled back")
	assert.Equal(t, 1, stored.RenewalCount)
}

func TestCancel(t *testing.T) {
	st := testutil.NewStack(t, jan15)
	ctx := context.Background()
	req := testutil.MonthlyRequest(jan15, "100")
	req.AutoRenew = true
	sub := st.CreateSubscription(t, req)

	_, err := st.Subscriptions.Cancel(ctx, subscriptiondomain.TransitionRequest{ID: sub.ID, PerformedBy: "ops", Reason: "  "})
	assert.ErrorIs(t, err, subscriptiondomain.ErrReasonRequired)

	cancelled, err := st.Subscriptions.Cancel(ctx, subscriptiondomain.TransitionRequest{ID: sub.ID, PerformedBy: "ops", Reason: "client left"})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCancelled, cancelled.Status)
	assert.False(t, cancelled.AutoRenew)
	require.NotNil(t, cancelled.CancellationReason)
	assert.Equal(t, "client left", *cancelled.CancellationReason)

	_, err = st.Subscriptions.Renew(ctx, subscriptiondomain.TransitionRequest{ID: sub.ID, PerformedBy: "ops"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	_, err = st.Subscriptions.Cancel(ctx, subscriptiondomain.TransitionRequest{ID: sub.ID, PerformedBy: "ops", Reason: "again"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}

func TestSuspendAndReactivate(t *testing.T) {
	st := testutil.NewStack(t, jan15)
	ctx := context.Background()
	sub := st.CreateSubscription(t, testutil.MonthlyRequest(jan15, "100"))

	_, err := st.Subscriptions.Reactivate(ctx, subscriptiondomain.TransitionRequest{ID: sub.ID, PerformedBy: "ops"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	suspended, err := st.Subscriptions.Suspend(ctx, subscriptiondomain.TransitionRequest{ID: sub.ID, PerformedBy: "ops", Reason: "chargeback"})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusSuspended, suspended.Status)
	assert.NotNil(t, suspended.SuspendedAt)

	_, err = st.Subscriptions.Expire(ctx, subscriptiondomain.TransitionRequest{ID: sub.ID})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	active, err := st.Subscriptions.Reactivate(ctx, subscriptiondomain.TransitionRequest{ID: sub.ID, PerformedBy: "ops"})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, active.Status)
	assert.Nil(t, active.SuspendedAt)
	assert.Nil(t, active.SuspensionReason)

	actions := []activitydomain.Action{}
	for _, e := range st.ActivityFor(t, sub.ID) {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []activitydomain.Action{
		activitydomain.ActionCreated,
		activitydomain.ActionSuspended,
		activitydomain.ActionReactivated,
	}, actions)
}

func TestExpireIsRecordedAsSystem(t *testing.T) {
	st := testutil.NewStack(t, jan15)
	ctx := context.Background()
	sub := st.CreateSubscription(t, testutil.MonthlyRequest(jan15, "100"))

	expired, err := st.Subscriptions.Expire(ctx, subscriptiondomain.TransitionRequest{ID: sub.ID, PerformedBy: "someone"})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusExpired, expired.Status)
	assert.NotNil(t, expired.ExpiredAt)

	entries := st.ActivityFor(t, sub.ID)
	last := entries[len(entries)-1]
	assert.Equal(t, activitydomain.ActionExpired, last.Action)
	assert.Equal(t, activitydomain.PerformedBySystem, last.PerformedBy)
	assert.True(t, last.Metadata.Automatic)
}

func TestUpdateAutoRenew(t *testing.T) {
	st := testutil.NewStack(t, jan15)
	ctx := context.Background()
	sub := st.CreateSubscription(t, testutil.MonthlyRequest(jan15, "100"))

	updated, err := st.Subscriptions.UpdateAutoRenew(ctx, sub.ID, true, "ops")
	require.NoError(t, err)
	assert.True(t, updated.AutoRenew)
	assert.Equal(t, 1, st.CountActions(t, sub.ID, activitydomain.ActionAutoRenewChanged))
}

func TestGetByIDNotFound(t *testing.T) {
	st := testutil.NewStack(t, jan15)
	_, err := st.Subscriptions.GetByID(context.Background(), 12345)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestListPaginates(t *testing.T) {
	st := testutil.NewStack(t, jan15)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		st.CreateSubscription(t, testutil.MonthlyRequest(jan15, "10"))
	}

	first, err := st.Subscriptions.List(ctx, subscriptiondomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 2},
	})
	require.NoError(t, err)
	require.Len(t, first.Subscriptions, 2)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)

	second, err := st.Subscriptions.List(ctx, subscriptiondomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, second.Subscriptions, 1)
	assert.False(t, second.HasMore)
	assert.Greater(t, second.Subscriptions[0].ID, first.Subscriptions[1].ID)

	_, err = st.Subscriptions.List(ctx, subscriptiondomain.ListRequest{
		Pagination: pagination.Pagination{PageToken: "%%%"},
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidPageToken)
}
