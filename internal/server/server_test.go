package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"subscription-reconciler/internal/auth"
	"subscription-reconciler/internal/catalog"
	"subscription-reconciler/internal/client"
	"subscription-reconciler/internal/config"
	"subscription-reconciler/internal/model"
	"subscription-reconciler/internal/repository"
	"subscription-reconciler/internal/service"
)

const webhookSecret = "whsec_integration"

// fakeStripe serves the handful of processor endpoints the engine calls.
type fakeStripe struct {
	mu        sync.Mutex
	status    string
	customers int
}

func (f *fakeStripe) setStatus(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/customers":
		f.customers++
		_, _ = w.Write([]byte(`{"id":"cus_1","object":"customer"}`))
	case r.Method == http.MethodPost && r.URL.Path == "/v1/checkout/sessions":
		_, _ = w.Write([]byte(`{"id":"cs_1","object":"checkout.session","url":"https://checkout.example.com/cs_1"}`))
	case r.Method == http.MethodGet && r.URL.Path == "/v1/subscriptions/sub_1":
		fmt.Fprintf(w, `{"id":"sub_1","object":"subscription","status":%q,"customer":"cus_1","cancel_at_period_end":false,
			"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","current_period_start":1700000000,"current_period_end":1702592000,
			"price":{"id":"price_pro_m","object":"price"}}]}}`, f.status)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"no such resource"}}`))
	}
}

type harness struct {
	srv    *Server
	stripe *fakeStripe
	token  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	stripe := &fakeStripe{status: "active"}
	api := httptest.NewServer(stripe)
	t.Cleanup(api.Close)

	db, err := client.InitDBClient(config.Database{
		Driver: "sqlite",
		URL:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	plans, err := catalog.New([]catalog.Plan{
		{ID: "plan_basic_monthly", Name: "Basic", BillingPeriod: catalog.BillingMonthly, PriceIDMonthly: "price_basic_m", IsActive: true},
		{ID: "plan_pro_monthly", Name: "Pro", BillingPeriod: catalog.BillingMonthly, PriceIDMonthly: "price_pro_m", IsActive: true},
	})
	require.NoError(t, err)

	gateway := client.NewStripeGateway(&config.Stripe{
		SecretKey:     "sk_test_123",
		WebhookSecret: webhookSecret,
		SuccessURL:    "https://app.example.com/billing/success",
		CancelURL:     "https://app.example.com/billing/cancel",
		APIURL:        api.URL,
		Timeout:       2 * time.Second,
	})

	users := repository.NewUserRepository(db)
	require.NoError(t, users.Create(context.Background(), &model.User{ID: "user_1", Email: "ada@example.com", FirstName: "Ada"}))

	tokens := auth.NewTokens("jwt-secret")
	token, err := tokens.Issue("user_1", time.Hour)
	require.NoError(t, err)

	srv := NewServer(
		service.NewSubscriptionService(users, gateway, plans),
		service.NewWebhookService(users, gateway, plans, repository.NewWebhookEventRepository(db)),
		Options{Tokens: tokens, WebhookMaxBodyBytes: 1 << 20},
	)

	return &harness{srv: srv, stripe: stripe, token: token}
}

func (h *harness) request(method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if authed {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+h.token)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) webhook(t *testing.T, payload string, tamper bool) *httptest.ResponseRecorder {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    webhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	body := signed.Payload
	if tamper {
		body = []byte(strings.Replace(string(body), "user_1", "user_2", 1))
	}

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhooks", strings.NewReader(string(body)))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func event(id, eventType string, created int64, object string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":%s}}`, id, eventType, created, object)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	rec := h.request(http.MethodGet, "/api/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = h.request(http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newHarness(t)

	for _, r := range []struct{ method, path string }{
		{http.MethodPost, "/api/subscriptions/checkout-session"},
		{http.MethodGet, "/api/subscriptions/my-subscription"},
		{http.MethodPost, "/api/subscriptions/cancel"},
	} {
		rec := h.request(r.method, r.path, "", false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, r.path)
	}

	rec := h.request(http.MethodGet, "/api/subscriptions/plans", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubscriptionLifecycle(t *testing.T) {
	h := newHarness(t)

	// nothing yet, and no processor call needed to say so
	rec := h.request(http.MethodGet, "/api/subscriptions/my-subscription", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"subscription":null`)

	rec = h.request(http.MethodPost, "/api/subscriptions/cancel", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.request(http.MethodPost, "/api/subscriptions/checkout-session", `{"planId":"plan_pro_monthly"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessionId":"cs_1","checkoutUrl":"https://checkout.example.com/cs_1"}`, rec.Body.String())

	rec = h.request(http.MethodPost, "/api/subscriptions/create-checkout-session", `{"planId":"plan_pro_monthly"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.stripe.customers, "second checkout must reuse the customer")

	completed := event("evt_1", "checkout.session.completed", 1700000000,
		`{"id":"cs_1","object":"checkout.session","mode":"subscription","client_reference_id":"user_1","customer":"cus_1","subscription":"sub_1","payment_status":"paid"}`)

	rec = h.webhook(t, completed, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "tampered payload must be rejected")

	rec = h.webhook(t, completed, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	rec = h.webhook(t, completed, false)
	assert.Equal(t, http.StatusOK, rec.Code, "redelivery is acknowledged")

	rec = h.request(http.MethodGet, "/api/subscriptions/my-subscription", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"active"`)
	assert.Contains(t, rec.Body.String(), `"plan":{"id":"plan_pro_monthly","name":"Pro","billingPeriod":"monthly"}`)

	rec = h.webhook(t, event("evt_2", "customer.created", 1700000100, `{"id":"cus_9"}`), false)
	assert.Equal(t, http.StatusOK, rec.Code, "unknown event types are acknowledged")

	rec = h.webhook(t, event("evt_3", "customer.subscription.deleted", 1700000200, `{"id":"sub_1","object":"subscription","status":"canceled"}`), false)
	require.Equal(t, http.StatusOK, rec.Code)

	h.stripe.setStatus("canceled")
	rec = h.request(http.MethodGet, "/api/subscriptions/my-subscription", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"canceled"`)
	assert.Contains(t, rec.Body.String(), `"plan":null`)

	rec = h.request(http.MethodPost, "/api/subscriptions/cancel", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "already canceled")
}

func TestWebhookForUnknownSubscriptionIsAcknowledged(t *testing.T) {
	h := newHarness(t)

	rec := h.webhook(t, event("evt_1", "invoice.payment_failed", 1700000000, `{"id":"in_1","object":"invoice","subscription":"sub_nobody"}`), false)
	assert.Equal(t, http.StatusOK, rec.Code)
}
