package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/freelancepay/internal/config"
	"github.com/smallbiznis/freelancepay/internal/observability"
	"github.com/smallbiznis/freelancepay/internal/payment/checkout"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
	"github.com/smallbiznis/freelancepay/internal/payment/webhook"
	publicinvoicedomain "github.com/smallbiznis/freelancepay/internal/publicinvoice/domain"
	"github.com/smallbiznis/freelancepay/internal/ratelimit"
	walletdomain "github.com/smallbiznis/freelancepay/internal/wallet/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublicInvoices struct {
	result    publicinvoicedomain.ValidationResult
	err       error
	crypto    *publicinvoicedomain.CryptoPaymentConfig
	cryptoErr error
	intentReq publicinvoicedomain.CryptoIntentRequest
}

func (f *fakePublicInvoices) ValidatePaymentToken(ctx context.Context, token string) (publicinvoicedomain.ValidationResult, error) {
	return f.result, f.err
}

func (f *fakePublicInvoices) GetCryptoPaymentConfig(ctx context.Context, token string) (*publicinvoicedomain.CryptoPaymentConfig, error) {
	return f.crypto, f.cryptoErr
}

func (f *fakePublicInvoices) CreateCryptoIntent(ctx context.Context, token string, req publicinvoicedomain.CryptoIntentRequest) (*publicinvoicedomain.CryptoIntent, error) {
	f.intentReq = req
	if f.cryptoErr != nil {
		return nil, f.cryptoErr
	}
	return &publicinvoicedomain.CryptoIntent{
		PaymentID: "9",
		InvoiceID: "7",
		Chain:     req.Chain,
		Asset:     req.Asset,
		Address:   "0xabc",
		Amount:    decimal.RequireFromString("50"),
	}, nil
}

type fakeCheckout struct {
	session *checkout.Session
	err     error
}

func (f *fakeCheckout) CreateSession(ctx context.Context, token string) (*checkout.Session, error) {
	return f.session, f.err
}

type fakeWebhooks struct {
	result webhook.Result
	err    error
	body   []byte
}

func (f *fakeWebhooks) HandleStripe(ctx context.Context, payload []byte, headers http.Header) (webhook.Result, error) {
	f.body = payload
	return f.result, f.err
}

func (f *fakeWebhooks) HandleChain(ctx context.Context, payload []byte, headers http.Header) (webhook.Result, error) {
	f.body = payload
	return f.result, f.err
}

type fakeLimiter struct {
	allow bool
}

func (f fakeLimiter) Allow(ctx context.Context, token, clientIP string) *ratelimit.RateLimitResult {
	res := &ratelimit.RateLimitResult{Allowed: f.allow, Limit: 30, Remaining: 0}
	if !f.allow {
		res.RetryAfter = 1500 * time.Millisecond
	}
	return res
}

type fakeWallets struct {
	walletdomain.Service
	pairs []walletdomain.Pair
}

func (f *fakeWallets) EnableCrypto(ctx context.Context, userID snowflake.ID, pairs []walletdomain.Pair) ([]walletdomain.EnableResult, error) {
	f.pairs = pairs
	return []walletdomain.EnableResult{
		{Pair: walletdomain.Pair{Chain: "arbitrum", Asset: "USDC"}, Address: &walletdomain.WalletAddress{Address: "0xabc"}},
		{Pair: walletdomain.Pair{Chain: "tron", Asset: "USDT"}, Err: walletdomain.ErrUnsupportedPair},
	}, nil
}

type testDeps struct {
	cfg      config.Config
	invoices *fakePublicInvoices
	checkout *fakeCheckout
	webhooks *fakeWebhooks
	wallets  *fakeWallets
	limiter  RateLimiter
}

func newTestServer(t *testing.T, deps testDeps) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if deps.invoices == nil {
		deps.invoices = &fakePublicInvoices{}
	}
	if deps.webhooks == nil {
		deps.webhooks = &fakeWebhooks{}
	}
	if deps.wallets == nil {
		deps.wallets = &fakeWallets{}
	}

	s := &Server{
		engine:         NewEngine(observability.Config{}, nil),
		cfg:            deps.cfg,
		log:            zap.NewNop(),
		publicInvoices: deps.invoices,
		webhooks:       deps.webhooks,
		wallets:        deps.wallets,
		limiter:        deps.limiter,
	}
	if deps.checkout != nil {
		s.checkout = deps.checkout
	}
	registerRoutes(s)
	return s.Engine()
}

func perform(t *testing.T, r http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestGetPaymentPage(t *testing.T) {
	invoice := &publicinvoicedomain.InvoiceRecord{ID: snowflake.ID(7)}
	tests := []struct {
		name       string
		result     publicinvoicedomain.ValidationResult
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name: "valid",
			result: publicinvoicedomain.ValidationResult{
				Valid:   true,
				View:    &publicinvoicedomain.PaymentView{InvoiceID: "7", InvoiceNumber: "INV-1"},
				Invoice: invoice,
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "unknown token",
			result:     publicinvoicedomain.ValidationResult{Reason: publicinvoicedomain.ReasonNotFound},
			wantStatus: http.StatusNotFound,
			wantError:  "not_found",
		},
		{
			name:       "expired",
			result:     publicinvoicedomain.ValidationResult{Reason: publicinvoicedomain.ReasonExpired, Invoice: invoice},
			wantStatus: http.StatusBadRequest,
			wantError:  "expired",
		},
		{
			name:       "already paid",
			result:     publicinvoicedomain.ValidationResult{Reason: publicinvoicedomain.ReasonAlreadyPaid, Invoice: invoice},
			wantStatus: http.StatusBadRequest,
			wantError:  "already_paid",
		},
		{
			name:       "cancelled",
			result:     publicinvoicedomain.ValidationResult{Reason: publicinvoicedomain.ReasonCancelled, Invoice: invoice},
			wantStatus: http.StatusBadRequest,
			wantError:  "cancelled",
		},
		{
			name:       "storage failure",
			err:        errors.New("connection reset"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestServer(t, testDeps{invoices: &fakePublicInvoices{result: tt.result, err: tt.err}})
			rec := perform(t, r, http.MethodGet, "/public/pay/tok_123", nil, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)

			body := decode(t, rec)
			switch {
			case tt.wantStatus == http.StatusOK:
				assert.Equal(t, true, body["valid"])
				invoice := body["invoice"].(map[string]any)
				assert.Equal(t, "INV-1", invoice["invoice_number"])
			case tt.wantError != "":
				assert.Equal(t, false, body["valid"])
				assert.Equal(t, tt.wantError, body["error"])
			default:
				errBody := body["error"].(map[string]any)
				assert.Equal(t, "internal_error", errBody["type"])
			}
		})
	}
}

func TestGetCryptoPaymentConfig(t *testing.T) {
	r := newTestServer(t, testDeps{invoices: &fakePublicInvoices{
		crypto: &publicinvoicedomain.CryptoPaymentConfig{
			InvoiceID: "7",
			Amount:    decimal.RequireFromString("50"),
			Currency:  "USD",
			Addresses: []publicinvoicedomain.CryptoAddress{{Chain: "arbitrum", Asset: "USDC", Address: "0xabc"}},
		},
	}})
	rec := perform(t, r, http.MethodGet, "/public/pay/tok/crypto", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["addresses"], 1)

	r = newTestServer(t, testDeps{invoices: &fakePublicInvoices{cryptoErr: publicinvoicedomain.ErrCryptoDisabled}})
	rec = perform(t, r, http.MethodGet, "/public/pay/tok/crypto", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errBody := decode(t, rec)["error"].(map[string]any)
	assert.Equal(t, "validation_error", errBody["type"])

	r = newTestServer(t, testDeps{invoices: &fakePublicInvoices{cryptoErr: publicinvoicedomain.ErrTokenNotFound}})
	rec = perform(t, r, http.MethodGet, "/public/pay/tok/crypto", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec)["error"])
}

func TestCreateCryptoIntent(t *testing.T) {
	invoices := &fakePublicInvoices{}
	r := newTestServer(t, testDeps{invoices: invoices})

	rec := perform(t, r, http.MethodPost, "/public/pay/tok/crypto-intent", []byte(`{"chain":"arbitrum","asset":"usdc"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "arbitrum", invoices.intentReq.Chain)
	assert.Equal(t, "0xabc", decode(t, rec)["address"])

	rec = perform(t, r, http.MethodPost, "/public/pay/tok/crypto-intent", []byte(`{"chain":"arbitrum"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = perform(t, r, http.MethodPost, "/public/pay/tok/crypto-intent", []byte(`not json`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCheckoutSession(t *testing.T) {
	r := newTestServer(t, testDeps{checkout: &fakeCheckout{session: &checkout.Session{
		SessionID: "cs_test_a",
		URL:       "https://checkout.stripe.com/c/pay/cs_test_a",
		InvoiceID: "7",
	}}})
	rec := perform(t, r, http.MethodPost, "/public/pay/tok/checkout", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "cs_test_a", body["session_id"])
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_a", body["url"])

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"in progress", paymentdomain.ErrCheckoutInProgress, http.StatusConflict},
		{"already settled", publicinvoicedomain.ErrPaymentAlreadySettled, http.StatusConflict},
		{"card disabled", paymentdomain.ErrCardPaymentDisabled, http.StatusBadRequest},
		{"processor down", paymentdomain.ErrCheckoutUnavailable, http.StatusServiceUnavailable},
		{"paid", publicinvoicedomain.ErrInvoiceAlreadyPaid, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestServer(t, testDeps{checkout: &fakeCheckout{err: tt.err}})
			rec := perform(t, r, http.MethodPost, "/public/pay/tok/checkout", nil, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}

	r = newTestServer(t, testDeps{})
	rec = perform(t, r, http.MethodPost, "/public/pay/tok/checkout", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPublicRateLimit(t *testing.T) {
	r := newTestServer(t, testDeps{limiter: fakeLimiter{allow: false}})
	rec := perform(t, r, http.MethodGet, "/public/pay/tok", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	r = newTestServer(t, testDeps{
		limiter: fakeLimiter{allow: true},
		invoices: &fakePublicInvoices{result: publicinvoicedomain.ValidationResult{
			Valid: true,
			View:  &publicinvoicedomain.PaymentView{InvoiceID: "7"},
		}},
	})
	rec = perform(t, r, http.MethodGet, "/public/pay/tok", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("X-RateLimit-Limit"))
}

func TestStripeWebhookStatuses(t *testing.T) {
	tests := []struct {
		name       string
		result     webhook.Result
		err        error
		wantStatus int
		wantError  string
	}{
		{"processed", webhook.Result{Received: true, Processed: true}, nil, http.StatusOK, ""},
		{"duplicate", webhook.Result{Received: true, AlreadyProcessed: true}, nil, http.StatusOK, ""},
		{"missing signature", webhook.Result{}, paymentdomain.ErrSignatureMissing, http.StatusBadRequest, "missing_signature"},
		{"bad signature", webhook.Result{}, paymentdomain.ErrSignatureVerificationFailed, http.StatusBadRequest, "invalid_signature"},
		{"malformed", webhook.Result{}, paymentdomain.ErrMalformedPayload, http.StatusBadRequest, "malformed_payload"},
		{"secret missing", webhook.Result{Retryable: true}, paymentdomain.ErrWebhookSecretMissing, http.StatusInternalServerError, "webhook_secret_missing"},
		{"database down", webhook.Result{Retryable: true}, errors.New("db down"), http.StatusInternalServerError, "processing_failed"},
		{"permanent failure", webhook.Result{}, errors.New("unusable delivery"), http.StatusBadRequest, "processing_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hooks := &fakeWebhooks{result: tt.result, err: tt.err}
			r := newTestServer(t, testDeps{webhooks: hooks})
			rec := perform(t, r, http.MethodPost, "/webhooks/stripe", []byte(`{"id":"evt_1"}`), nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, `{"id":"evt_1"}`, string(hooks.body))

			body := decode(t, rec)
			if tt.wantError == "" {
				assert.Equal(t, true, body["received"])
				return
			}
			assert.Equal(t, false, body["received"])
			assert.Equal(t, tt.wantError, body["error"])
		})
	}
}

func TestChainWebhookStatuses(t *testing.T) {
	hooks := &fakeWebhooks{result: webhook.Result{Received: true, Reason: "insufficient_confirmations"}}
	r := newTestServer(t, testDeps{webhooks: hooks})
	rec := perform(t, r, http.MethodPost, "/webhooks/chain", []byte(`{}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, false, body["processed"])
	assert.Equal(t, "insufficient_confirmations", body["reason"])

	r = newTestServer(t, testDeps{webhooks: &fakeWebhooks{err: paymentdomain.ErrSignatureVerificationFailed}})
	rec = perform(t, r, http.MethodPost, "/webhooks/chain", []byte(`{}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	r = newTestServer(t, testDeps{webhooks: &fakeWebhooks{err: paymentdomain.ErrSignatureMissing}})
	rec = perform(t, r, http.MethodPost, "/webhooks/chain", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	r = newTestServer(t, testDeps{webhooks: &fakeWebhooks{
		result: webhook.Result{Retryable: true},
		err:    errors.New("chain rpc down"),
	}})
	rec = perform(t, r, http.MethodPost, "/webhooks/chain", []byte(`{}`), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	r := newTestServer(t, testDeps{})
	rec := perform(t, r, http.MethodPost, "/admin/merchants/42/crypto", []byte(`{"pairs":[]}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	cfg := config.Config{AdminAPIKey: "admin-secret"}
	wallets := &fakeWallets{}
	r = newTestServer(t, testDeps{cfg: cfg, wallets: wallets})

	rec = perform(t, r, http.MethodPost, "/admin/merchants/42/crypto", []byte(`{"pairs":[]}`),
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	auth := map[string]string{"Authorization": "Bearer admin-secret"}
	rec = perform(t, r, http.MethodPost, "/admin/merchants/42/crypto", []byte(`{"pairs":[]}`), auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = perform(t, r, http.MethodPost, "/admin/merchants/42/crypto",
		[]byte(`{"pairs":[{"chain":"arbitrum","asset":"usdc"},{"chain":"tron","asset":"usdt"}]}`), auth)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, wallets.pairs, 2)

	results := decode(t, rec)["results"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, "0xabc", results[0].(map[string]any)["address"].(map[string]any)["address"])
	assert.Equal(t, walletdomain.ErrUnsupportedPair.Error(), results[1].(map[string]any)["error"])
}
