package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/billingcore/internal/automation"
	"github.com/smallbiznis/billingcore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var apr2 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, withAutomation bool) (*testutil.Stack, *gin.Engine) {
	t.Helper()
	st := testutil.NewStack(t, apr2)

	var engine *automation.Engine
	if withAutomation {
		engine = automation.NewEngine(automation.Params{
			DB:            st.DB,
			Log:           st.Log,
			GenID:         st.Node,
			Clock:         st.Clock,
			Automation:    st.Automation,
			Subscriptions: st.Subscriptions,
			Invoices:      st.Invoices,
			Activity:      st.Activity,
		})
	}

	srv := NewServer(ServerParams{
		Gin:             NewEngine(zap.NewNop()),
		SubscriptionSvc: st.Subscriptions,
		InvoiceSvc:      st.Invoices,
		PaymentSvc:      st.Payments,
		ActivitySvc:     st.Activity,
		Automation:      engine,
	})
	return st, srv.Engine()
}

func do(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerActor, "ops@example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func data(t *testing.T, out map[string]any) map[string]any {
	t.Helper()
	d, ok := out["data"].(map[string]any)
	require.True(t, ok, "missing data in %v", out)
	return d
}

func errorBody(t *testing.T, out map[string]any) map[string]any {
	t.Helper()
	e, ok := out["error"].(map[string]any)
	require.True(t, ok, "missing error in %v", out)
	return e
}

func TestHealth(t *testing.T) {
	_, r := newTestServer(t, false)

	w, out := do(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", out["status"])
}

func TestCreateAndGetSubscription(t *testing.T) {
	_, r := newTestServer(t, false)

	w, out := do(t, r, http.MethodPost, "/api/v1/subscriptions", map[string]any{
		"client_id":     "1001",
		"package_id":    "2002",
		"billing_cycle": "monthly",
		"start_date":    "2026-04-01T00:00:00Z",
		"base_price":    "100",
		"currency":      "usd",
		"discount":      map[string]any{"percentage": "10"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sub := data(t, out)
	assert.Equal(t, "SUB-2026-0001", sub["code"])
	assert.Equal(t, "USD", sub["currency"])
	assert.Equal(t, "active", sub["status"])

	id, ok := sub["id"].(string)
	require.True(t, ok)

	w, out = do(t, r, http.MethodGet, "/api/v1/subscriptions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, data(t, out)["id"])

	w, out = do(t, r, http.MethodGet, "/api/v1/subscriptions/"+id+"/activity", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries, ok := data(t, out)["entries"].([]any)
	require.True(t, ok, "%v", out)
	require.Len(t, entries, 1)
	assert.Equal(t, "created", entries[0].(map[string]any)["action"])
	assert.Equal(t, "ops@example.com", entries[0].(map[string]any)["performed_by"])
}

func TestCreateSubscriptionValidation(t *testing.T) {
	_, r := newTestServer(t, false)

	w, out := do(t, r, http.MethodPost, "/api/v1/subscriptions", map[string]any{
		"client_id":     "1001",
		"package_id":    "2002",
		"billing_cycle": "weekly",
		"base_price":    "100",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", errorBody(t, out)["type"])
}

func TestSubscriptionPathErrors(t *testing.T) {
	_, r := newTestServer(t, false)

	w, _ := do(t, r, http.MethodGet, "/api/v1/subscriptions/not-an-id", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, out := do(t, r, http.MethodGet, "/api/v1/subscriptions/123456789", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorBody(t, out)["type"])

	w, _ = do(t, r, http.MethodGet, "/api/v1/subscriptions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelRequiresReason(t *testing.T) {
	st, r := newTestServer(t, false)
	sub := st.CreateSubscription(t, testutil.MonthlyRequest(testutil.Date(2026, 4, 1), "100"))
	path := "/api/v1/subscriptions/" + sub.ID.String() + "/cancel"

	w, out := do(t, r, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "reason_required", errorBody(t, out)["code"])

	w, out = do(t, r, http.MethodPost, path, map[string]any{"reason": "moved to competitor"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "cancelled", data(t, out)["status"])

	w, out = do(t, r, http.MethodPost, "/api/v1/subscriptions/"+sub.ID.String()+"/renew", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", errorBody(t, out)["type"])
}

func TestUpdateAutoRenewRequiresFlag(t *testing.T) {
	st, r := newTestServer(t, false)
	sub := st.CreateSubscription(t, testutil.MonthlyRequest(testutil.Date(2026, 4, 1), "100"))
	path := "/api/v1/subscriptions/" + sub.ID.String() + "/auto-renew"

	w, _ := do(t, r, http.MethodPatch, path, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, out := do(t, r, http.MethodPatch, path, map[string]any{"auto_renew": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, data(t, out)["auto_renew"])
}

func TestInvoiceAndPaymentFlow(t *testing.T) {
	st, r := newTestServer(t, false)
	sub := st.CreateSubscription(t, testutil.MonthlyRequest(testutil.Date(2026, 4, 1), "100"))
	invoicesPath := "/api/v1/subscriptions/" + sub.ID.String() + "/invoices"

	w, out := do(t, r, http.MethodPost, invoicesPath, map[string]any{"send": true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	inv := data(t, out)
	assert.Equal(t, "INV-2026-0001", inv["invoice_number"])
	assert.Equal(t, "sent", inv["status"])
	invoiceID := inv["id"].(string)

	w, out = do(t, r, http.MethodPost, invoicesPath, map[string]any{"send": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, invoiceID, data(t, out)["id"])

	w, out = do(t, r, http.MethodPost, "/api/v1/invoices/"+invoiceID+"/payments", map[string]any{
		"amount": "100",
		"method": "cash",
		"record": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	payment := data(t, out)
	assert.Equal(t, "completed", payment["status"])
	paymentID := payment["id"].(string)

	w, out = do(t, r, http.MethodGet, "/api/v1/invoices/"+invoiceID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "paid", data(t, out)["status"])
	assert.Equal(t, "paid", data(t, out)["payment_status"])

	w, out = do(t, r, http.MethodPost, "/api/v1/invoices/"+invoiceID+"/cancel", map[string]any{"reason": "duplicate"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", errorBody(t, out)["type"])

	w, out = do(t, r, http.MethodPost, "/api/v1/payments/"+paymentID+"/refund", map[string]any{
		"amount": "40",
		"reason": "goodwill",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "partially_refunded", data(t, out)["status"])

	w, out = do(t, r, http.MethodGet, "/api/v1/invoices/"+invoiceID+"/payments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	payments, ok := out["data"].([]any)
	require.True(t, ok, "%v", out)
	assert.Len(t, payments, 1)
}

func TestPaymentRejectsOverpayment(t *testing.T) {
	st, r := newTestServer(t, false)
	sub := st.CreateSubscription(t, testutil.MonthlyRequest(testutil.Date(2026, 4, 1), "100"))

	w, out := do(t, r, http.MethodPost, "/api/v1/subscriptions/"+sub.ID.String()+"/invoices", map[string]any{"send": true})
	require.Equal(t, http.StatusCreated, w.Code)
	invoiceID := data(t, out)["id"].(string)

	w, out = do(t, r, http.MethodPost, "/api/v1/invoices/"+invoiceID+"/payments", map[string]any{
		"amount": "150",
		"method": "card",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", errorBody(t, out)["type"])
}

func TestRunAutomation(t *testing.T) {
	_, disabled := newTestServer(t, false)
	w, out := do(t, disabled, http.MethodPost, "/api/v1/automation/run", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "automation_disabled", errorBody(t, out)["code"])

	st, r := newTestServer(t, true)
	req := testutil.MonthlyRequest(testutil.Date(2026, 3, 1), "100")
	req.AutoRenew = true
	st.CreateSubscription(t, req)

	w, out = do(t, r, http.MethodPost, "/api/v1/automation/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := data(t, out)
	assert.Equal(t, "2026-04-02", report["date"])
	assert.EqualValues(t, 1, report["renewals"])
	assert.EqualValues(t, 1, report["invoices"])
}
