package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/freelancepay/internal/config"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(secret string) *Adapter {
	cfg := config.Config{}
	cfg.Stripe.WebhookSecret = secret
	return NewAdapter(cfg)
}

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"charge.succeeded","data":{"object":{}}}`)
	timestamp := time.Now().Unix()

	reqHeader := http.Header{}
	reqHeader.Set(SignatureHeader, buildStripeSignatureHeader(secret, payload, timestamp))

	adapter := newTestAdapter(secret)
	if err := adapter.Verify(context.Background(), payload, reqHeader); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	reqHeader.Set(SignatureHeader, buildStripeSignatureHeader("wrong", payload, timestamp))
	if err := adapter.Verify(context.Background(), payload, reqHeader); err != paymentdomain.ErrSignatureVerificationFailed {
		t.Fatalf("expected invalid signature error, got %v", err)
	}

	tampered := []byte(`{"id":"evt_124","type":"charge.succeeded","data":{"object":{}}}`)
	reqHeader.Set(SignatureHeader, buildStripeSignatureHeader(secret, payload, timestamp))
	if err := adapter.Verify(context.Background(), tampered, reqHeader); err != paymentdomain.ErrSignatureVerificationFailed {
		t.Fatalf("expected tampered payload rejection, got %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_old","type":"charge.succeeded","data":{"object":{}}}`)
	reqHeader := http.Header{}
	reqHeader.Set(SignatureHeader, buildStripeSignatureHeader(secret, payload, time.Now().Add(-time.Hour).Unix()))

	err := newTestAdapter(secret).Verify(context.Background(), payload, reqHeader)
	assert.ErrorIs(t, err, paymentdomain.ErrSignatureVerificationFailed)
}

func TestVerifyMissingHeaderOrSecret(t *testing.T) {
	payload := []byte(`{}`)

	err := newTestAdapter("whsec_test").Verify(context.Background(), payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrSignatureMissing)

	reqHeader := http.Header{}
	reqHeader.Set(SignatureHeader, "t=1,v1=abc")
	err = newTestAdapter("").Verify(context.Background(), payload, reqHeader)
	assert.ErrorIs(t, err, paymentdomain.ErrWebhookSecretMissing)
}

func TestParseCardEvents(t *testing.T) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	invoiceID := node.Generate()
	created := time.Now().UTC().Unix()

	tests := []struct {
		name      string
		eventType string
		object    map[string]any
		kind      paymentdomain.OutcomeKind
		amount    string
		reason    string
	}{{
		name:      "checkout completed and paid",
		eventType: "checkout.session.completed",
		object: map[string]any{
			"id":             "cs_1",
			"object":         "checkout.session",
			"amount_total":   10000,
			"currency":       "usd",
			"payment_status": "paid",
			"payment_intent": "pi_1",
			"metadata":       map[string]any{"invoice_id": invoiceID.String()},
		},
		kind:   paymentdomain.OutcomePaymentSuccess,
		amount: "100",
	}, {
		name:      "checkout completed awaiting async payment",
		eventType: "checkout.session.completed",
		object: map[string]any{
			"id":             "cs_2",
			"amount_total":   10000,
			"currency":       "usd",
			"payment_status": "unpaid",
			"metadata":       map[string]any{"invoice_id": invoiceID.String()},
		},
		kind:   paymentdomain.OutcomeUnhandled,
		amount: "100",
	}, {
		name:      "async payment succeeded via client reference",
		eventType: "checkout.session.async_payment_succeeded",
		object: map[string]any{
			"id":                  "cs_3",
			"amount_total":        2599,
			"currency":            "eur",
			"client_reference_id": invoiceID.String(),
		},
		kind:   paymentdomain.OutcomePaymentSuccess,
		amount: "25.99",
	}, {
		name:      "checkout expired",
		eventType: "checkout.session.expired",
		object: map[string]any{
			"id":           "cs_4",
			"amount_total": 10000,
			"currency":     "usd",
			"metadata":     map[string]any{"invoice_id": invoiceID.String()},
		},
		kind:   paymentdomain.OutcomePaymentFailure,
		amount: "100",
		reason: "checkout_expired",
	}, {
		name:      "payment intent succeeded zero decimal",
		eventType: "payment_intent.succeeded",
		object: map[string]any{
			"id":              "pi_2",
			"amount":          5000,
			"amount_received": 5000,
			"currency":        "jpy",
			"metadata":        map[string]any{"invoice_id": invoiceID.String()},
		},
		kind:   paymentdomain.OutcomePaymentSuccess,
		amount: "5000",
	}, {
		name:      "payment intent failed",
		eventType: "payment_intent.payment_failed",
		object: map[string]any{
			"id":                 "pi_3",
			"amount":             10000,
			"currency":           "usd",
			"last_payment_error": map[string]any{"code": "card_declined", "message": "Your card was declined."},
			"metadata":           map[string]any{"invoice_id": invoiceID.String()},
		},
		kind:   paymentdomain.OutcomePaymentFailure,
		amount: "100",
		reason: "card_declined",
	}, {
		name:      "payment intent without invoice",
		eventType: "payment_intent.succeeded",
		object: map[string]any{
			"id":       "pi_4",
			"amount":   100,
			"currency": "usd",
		},
		kind:   paymentdomain.OutcomeUnhandled,
		amount: "1",
	}}

	adapter := newTestAdapter("whsec_test")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(map[string]any{
				"id":      "evt_" + tt.name,
				"object":  "event",
				"type":    tt.eventType,
				"created": created,
				"data":    map[string]any{"object": tt.object},
			})
			require.NoError(t, err)

			event, err := adapter.Parse(context.Background(), payload)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, event.Kind)
			assert.Equal(t, tt.eventType, event.EventType)
			assert.True(t, decimal.RequireFromString(tt.amount).Equal(event.Amount), "amount %s", event.Amount)
			if tt.kind != paymentdomain.OutcomeUnhandled {
				assert.Equal(t, invoiceID, event.InvoiceID)
			}
			if tt.reason != "" {
				assert.Equal(t, tt.reason, event.FailureReason)
			}
		})
	}
}

func TestParseUnhandledAndMalformed(t *testing.T) {
	adapter := newTestAdapter("whsec_test")

	event, err := adapter.Parse(context.Background(), []byte(`{"id":"evt_1","type":"customer.created","data":{"object":{"id":"cus_1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeUnhandled, event.Kind)
	assert.Equal(t, "evt_1", event.EventID)

	_, err = adapter.Parse(context.Background(), []byte(`{not json`))
	assert.ErrorIs(t, err, paymentdomain.ErrMalformedPayload)

	_, err = adapter.Parse(context.Background(), []byte(`{"type":"payment_intent.succeeded"}`))
	assert.ErrorIs(t, err, paymentdomain.ErrMalformedPayload)
}

func TestToMinorUnits(t *testing.T) {
	assert.Equal(t, int64(10000), ToMinorUnits(decimal.RequireFromString("100.00"), "usd"))
	assert.Equal(t, int64(2599), ToMinorUnits(decimal.RequireFromString("25.985"), "EUR"))
	assert.Equal(t, int64(5000), ToMinorUnits(decimal.RequireFromString("5000"), "JPY"))
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
