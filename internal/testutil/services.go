package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/billingcore/internal/activity/domain"
	activityrepo "github.com/smallbiznis/billingcore/internal/activity/repository"
	activityservice "github.com/smallbiznis/billingcore/internal/activity/service"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/billingcore/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/billingcore/internal/invoice/service"
	paymentdomain "github.com/smallbiznis/billingcore/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/billingcore/internal/payment/repository"
	paymentservice "github.com/smallbiznis/billingcore/internal/payment/service"
	"github.com/smallbiznis/billingcore/internal/sequence"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/billingcore/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/billingcore/internal/subscription/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Stack is the service graph wired against a private SQLite database and a
// fake clock.
type Stack struct {
	DB         *gorm.DB
	Clock      *clock.FakeClock
	Node       *snowflake.Node
	Log        *zap.Logger
	Automation config.AutomationSource

	SubscriptionRepo subscriptiondomain.Repository
	InvoiceRepo      invoicedomain.Repository
	PaymentRepo      paymentdomain.Repository

	Activity      activitydomain.Service
	Subscriptions subscriptiondomain.Service
	Invoices      invoicedomain.Service
	Payments      paymentdomain.Service
}

func NewStack(t testing.TB, now time.Time) *Stack {
	return NewStackWithConfig(t, now, config.DefaultAutomationConfig())
}

func NewStackWithConfig(t testing.TB, now time.Time, cfg config.AutomationConfig) *Stack {
	t.Helper()

	st := &Stack{
		DB:               NewDB(t),
		Clock:            clock.NewFakeClock(now),
		Node:             NewNode(t),
		Log:              zap.NewNop(),
		Automation:       config.StaticAutomation(cfg),
		SubscriptionRepo: subscriptionrepo.Provide(),
		InvoiceRepo:      invoicerepo.Provide(),
		PaymentRepo:      paymentrepo.Provide(),
	}
	seq := sequence.NewAllocator(st.DB, st.Clock)

	st.Activity = activityservice.NewService(activityservice.Params{
		DB:    st.DB,
		Log:   st.Log,
		GenID: st.Node,
		Repo:  activityrepo.Provide(),
		Clock: st.Clock,
	})
	st.Subscriptions = subscriptionservice.NewService(subscriptionservice.Params{
		DB:         st.DB,
		Log:        st.Log,
		GenID:      st.Node,
		Repo:       st.SubscriptionRepo,
		Activity:   st.Activity,
		Sequence:   seq,
		Clock:      st.Clock,
		Automation: st.Automation,
	})
	st.Invoices = invoiceservice.NewService(invoiceservice.Params{
		DB:            st.DB,
		Log:           st.Log,
		GenID:         st.Node,
		Repo:          st.InvoiceRepo,
		Subscriptions: st.Subscriptions,
		Activity:      st.Activity,
		Sequence:      seq,
		Clock:         st.Clock,
		Automation:    st.Automation,
	})
	st.Payments = paymentservice.NewService(paymentservice.Params{
		DB:               st.DB,
		Log:              st.Log,
		GenID:            st.Node,
		Repo:             st.PaymentRepo,
		InvoiceRepo:      st.InvoiceRepo,
		SubscriptionRepo: st.SubscriptionRepo,
		Subscriptions:    st.Subscriptions,
		Activity:         st.Activity,
		Sequence:         seq,
		Clock:            st.Clock,
	})
	return st
}

// MonthlyRequest is a valid monthly subscription starting at start.
func MonthlyRequest(start time.Time, price string) subscriptiondomain.CreateRequest {
	return subscriptiondomain.CreateRequest{
		ClientID:     1001,
		PackageID:    2002,
		BillingCycle: subscriptiondomain.BillingCycleMonthly,
		StartDate:    start,
		BasePrice:    decimal.RequireFromString(price),
		Currency:     "USD",
		PerformedBy:  "tester",
	}
}

func (st *Stack) CreateSubscription(t testing.TB, req subscriptiondomain.CreateRequest) *subscriptiondomain.Subscription {
	t.Helper()
	sub, err := st.Subscriptions.Create(context.Background(), req)
	require.NoError(t, err)
	return sub
}

// ActivityFor lists every entry of one subscription, oldest first.
func (st *Stack) ActivityFor(t testing.TB, subscriptionID snowflake.ID) []*activitydomain.Entry {
	t.Helper()
	var entries []*activitydomain.Entry
	require.NoError(t, st.DB.Where("subscription_id = ?", subscriptionID).Order("id ASC").Find(&entries).Error)
	return entries
}

// CountActions counts entries of one action for a subscription.
func (st *Stack) CountActions(t testing.TB, subscriptionID snowflake.ID, action activitydomain.Action) int {
	t.Helper()
	n := 0
	for _, e := range st.ActivityFor(t, subscriptionID) {
		if e.Action == action {
			n++
		}
	}
	return n
}
