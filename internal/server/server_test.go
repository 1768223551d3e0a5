package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitle/internal/auth"
	"github.com/smallbiznis/entitle/internal/authorization"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/config"
	ledgerdomain "github.com/smallbiznis/entitle/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/entitle/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/entitle/internal/ledger/service"
	"github.com/smallbiznis/entitle/internal/observability"
	obsmetrics "github.com/smallbiznis/entitle/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"github.com/smallbiznis/entitle/internal/payment/orphan"
	paymentrepo "github.com/smallbiznis/entitle/internal/payment/repository"
	paymentservice "github.com/smallbiznis/entitle/internal/payment/service"
	"github.com/smallbiznis/entitle/internal/payment/signature"
	providerpayment "github.com/smallbiznis/entitle/internal/providers/payment"
	"github.com/smallbiznis/entitle/internal/providers/pdf"
	"github.com/smallbiznis/entitle/internal/scheduler"
	subscriptionservice "github.com/smallbiznis/entitle/internal/subscription/service"
	"github.com/smallbiznis/entitle/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testJWTSecret     = "jwt-test-secret"
	testWebhookSecret = "whsec_server_test"
)

type testServer struct {
	engine *gin.Engine
	tokens *auth.Verifier
	signer *signature.Verifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		AppName:              "entitle",
		Environment:          "test",
		AuthJWTSecret:        testJWTSecret,
		PaymentWebhookSecret: testWebhookSecret,
	}
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	clk := clock.SystemClock{}
	log := zap.NewNop()
	ledgerCfg := config.NewStaticLedgerConfigHolder(config.DefaultLedgerConfig())
	payRepo := paymentrepo.Provide()
	ledgerRepo := ledgerrepo.Provide()
	signer := signature.NewVerifier(cfg.PaymentWebhookSecret)

	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Config:    cfg,
		LedgerCfg: ledgerCfg,
		Repo:      payRepo,
		Processor: providerpayment.NewLocalProcessor(),
		Orphans:   orphan.NewMemorySink(),
	})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Verifier:    signer,
		Repo:        ledgerRepo,
		PaymentRepo: payRepo,
	})
	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)
	sched, err := scheduler.New(scheduler.Params{
		Log:        log,
		GenID:      node,
		Clock:      clk,
		LedgerCfg:  ledgerCfg,
		PaymentSvc: paymentSvc,
		LedgerSvc:  ledgerSvc,
	})
	require.NoError(t, err)

	engine := NewEngine(observability.Config{Environment: "test"}, obsmetrics.NewHTTPMetrics(obsmetrics.Config{}))
	tokens := auth.NewVerifier(cfg)
	NewServer(ServerParams{
		Gin:        engine,
		Cfg:        cfg,
		Log:        log,
		Tokens:     tokens,
		AuthzSvc:   authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer}),
		PaymentSvc: paymentSvc,
		LedgerSvc:  ledgerSvc,
		SubscriptionSvc: subscriptionservice.NewService(subscriptionservice.Params{
			DB:    db,
			Log:   log,
			Clock: clk,
			Repo:  ledgerRepo,
		}),
		Receipts:  pdf.New(),
		Signer:    signer,
		Scheduler: sched,
	})

	return &testServer{engine: engine, tokens: tokens, signer: signer}
}

func (ts *testServer) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := ts.tokens.Issue(userID, role, time.Hour)
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
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
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOrdersRequireBearerToken(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/orders", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/api/orders", "not-a-jwt", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreditPurchaseEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	userToken := ts.token(t, "user-1", auth.RoleUser)

	order := map[string]any{
		"amount_minor_units": 49900,
		"currency":           "INR",
		"plan_type":          "flexible",
		"credits_requested":  100,
	}
	w := ts.do(t, http.MethodPost, "/api/orders", userToken, order, headerIdempotencyKey, "checkout-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[paymentdomain.CreateOrderResponse](t, w)
	assert.False(t, created.Replayed)
	assert.Equal(t, paymentdomain.IntentStatusPending, created.Status)

	w = ts.do(t, http.MethodPost, "/api/orders", userToken, order, headerIdempotencyKey, "checkout-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	replayed := decode[paymentdomain.CreateOrderResponse](t, w)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, created.ProcessorOrderID, replayed.ProcessorOrderID)

	// Forged callbacks are rejected before any lookup.
	w = ts.do(t, http.MethodPost, "/api/payments/callback", "", map[string]string{
		"order_id":   created.ProcessorOrderID,
		"payment_id": "pay_1",
		"signature":  "deadbeef",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/api/payments/dev/sign", "", map[string]string{
		"order_id":   created.ProcessorOrderID,
		"payment_id": "pay_1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	signed := decode[map[string]string](t, w)
	assert.Equal(t, ts.signer.Sign(created.ProcessorOrderID, "pay_1"), signed["signature"])

	callback := map[string]string{
		"razorpay_order_id":   created.ProcessorOrderID,
		"razorpay_payment_id": "pay_1",
		"razorpay_signature":  signed["signature"],
	}
	w = ts.do(t, http.MethodPost, "/api/payments/callback", "", callback)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	applied := decode[ledgerdomain.ApplyResult](t, w)
	assert.False(t, applied.Replayed)
	require.NotNil(t, applied.NewBalance)
	assert.Equal(t, int64(100), *applied.NewBalance)

	w = ts.do(t, http.MethodPost, "/api/payments/callback", "", callback)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[ledgerdomain.ApplyResult](t, w).Replayed)

	w = ts.do(t, http.MethodGet, "/api/credits", userToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	credits := decode[map[string]any](t, w)
	assert.EqualValues(t, 100, credits["balance"])

	w = ts.do(t, http.MethodGet, "/api/purchases?page_size=10", userToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[paymentdomain.ListPurchasesResponse](t, w)
	require.Len(t, list.Purchases, 1)
	assert.Equal(t, paymentdomain.IntentStatusCompleted, list.Purchases[0].Status)

	receiptPath := fmt.Sprintf("/api/purchases/%s/receipt", list.Purchases[0].ID.String())
	w = ts.do(t, http.MethodGet, receiptPath, userToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")))

	// Another user cannot see the receipt.
	w = ts.do(t, http.MethodGet, receiptPath, ts.token(t, "user-2", auth.RoleUser), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/subscription", userToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ent := decode[map[string]any](t, w)
	assert.Equal(t, false, ent["is_premium"])
	assert.Equal(t, "flexible", ent["plan_type"])
}

func TestPremiumPurchaseGrantsEntitlement(t *testing.T) {
	ts := newTestServer(t)
	userToken := ts.token(t, "user-9", auth.RoleUser)

	w := ts.do(t, http.MethodPost, "/api/orders", userToken, map[string]any{
		"idempotency_key":    "premium-1",
		"amount_minor_units": 99900,
		"currency":           "INR",
		"plan_type":          "premium-monthly",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[paymentdomain.CreateOrderResponse](t, w)

	w = ts.do(t, http.MethodPost, "/api/payments/callback", "", map[string]string{
		"order_id":   created.ProcessorOrderID,
		"payment_id": "pay_premium",
		"signature":  ts.signer.Sign(created.ProcessorOrderID, "pay_premium"),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/subscription", userToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ent := decode[map[string]any](t, w)
	assert.Equal(t, true, ent["is_premium"])
	assert.Equal(t, "premium-monthly", ent["plan_type"])
	assert.EqualValues(t, 30, ent["days_until_expiry"])
}

func TestCreateOrderValidation(t *testing.T) {
	ts := newTestServer(t)
	userToken := ts.token(t, "user-1", auth.RoleUser)

	w := ts.do(t, http.MethodPost, "/api/orders", userToken, map[string]any{
		"idempotency_key":    "bad-plan",
		"amount_minor_units": 100,
		"currency":           "INR",
		"plan_type":          "lifetime",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[errorResponse](t, w)
	require.Len(t, body.Error.Errors, 1)
	assert.Equal(t, "invalid_plan_type", body.Error.Errors[0].Code)

	order := map[string]any{
		"amount_minor_units": 100,
		"currency":           "INR",
		"plan_type":          "flexible",
		"credits_requested":  1,
	}
	w = ts.do(t, http.MethodPost, "/api/orders", userToken, order, headerIdempotencyKey, "reuse")
	require.Equal(t, http.StatusCreated, w.Code)
	order["amount_minor_units"] = 200
	w = ts.do(t, http.MethodPost, "/api/orders", userToken, order, headerIdempotencyKey, "reuse")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdminRoutesRequireOperator(t *testing.T) {
	ts := newTestServer(t)
	userToken := ts.token(t, "user-1", auth.RoleUser)
	opToken := ts.token(t, "ops-1", auth.RoleOperator)

	w := ts.do(t, http.MethodPost, "/api/orders", userToken, map[string]any{
		"idempotency_key":    "admin-1",
		"amount_minor_units": 100,
		"currency":           "INR",
		"plan_type":          "flexible",
		"credits_requested":  5,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[paymentdomain.CreateOrderResponse](t, w)

	path := "/admin/purchases/" + created.ProcessorOrderID
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, path, userToken, nil).Code)

	w = ts.do(t, http.MethodGet, path, opToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ProcessorOrderID, decode[paymentdomain.PurchaseIntent](t, w).ProcessorOrderID)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/admin/purchases/order_missing", opToken, nil).Code)

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/admin/reconcile", userToken, nil).Code)
	w = ts.do(t, http.MethodPost, "/admin/reconcile", opToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"expired":0`)
}

func TestUnknownOrderCallback(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/payments/callback", "", map[string]string{
		"order_id":   "order_nope",
		"payment_id": "pay_1",
		"signature":  ts.signer.Sign("order_nope", "pay_1"),
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "unknown_order", decode[errorResponse](t, w).Error.Type)
}

func TestCallbackVerifiesIdentifiersAsReceived(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/payments/callback", "", map[string]string{
		"order_id":   " order_nope ",
		"payment_id": "pay_1",
		"signature":  ts.signer.Sign("order_nope", "pay_1"),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_signature", decode[errorResponse](t, w).Error.Type)
}

func TestFirstNonEmptyKeepsValueIntact(t *testing.T) {
	assert.Equal(t, " order_1", firstNonEmpty("  ", " order_1", "order_2"))
	assert.Equal(t, "", firstNonEmpty("", "\t"))
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		typ    string
	}{
		{fmt.Errorf("wrap: %w", paymentdomain.ErrInvalidCurrency), http.StatusBadRequest, "validation_error"},
		{paymentdomain.ErrIdempotencyMismatch, http.StatusConflict, "idempotency_key_reused"},
		{ledgerdomain.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
		{ledgerdomain.ErrConflictingPayment, http.StatusConflict, "conflicting_payment"},
		{ledgerdomain.ErrAlreadyFailed, http.StatusConflict, "already_failed"},
		{paymentdomain.ErrOrderInProgress, http.StatusConflict, "order_in_progress"},
		{paymentdomain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{paymentdomain.ErrProcessorRejected, http.StatusBadGateway, "processor_rejected"},
		{fmt.Errorf("%w: timeout", paymentdomain.ErrProcessorUnavailable), http.StatusServiceUnavailable, "processor_unavailable"},
		{paymentdomain.ErrPartialFailure, http.StatusServiceUnavailable, "partial_failure"},
		{fmt.Errorf("%w: deadlock", ledgerdomain.ErrTransientStorage), http.StatusServiceUnavailable, "transient_storage"},
		{authorization.ErrForbidden, http.StatusForbidden, "forbidden"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, payload := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.typ, payload.Type, tc.err.Error())
	}
}
