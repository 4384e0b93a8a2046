package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/freelancepay/internal/config"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	SignatureHeader = "Stripe-Signature"
	// MetadataInvoiceID is the checkout/payment intent metadata key that
	// links a card payment to an invoice.
	MetadataInvoiceID = "invoice_id"

	defaultTolerance = 300 * time.Second
)

// Currencies Stripe charges without minor units.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
}

func NewAdapter(cfg config.Config) *Adapter {
	return &Adapter{
		webhookSecret: strings.TrimSpace(cfg.Stripe.WebhookSecret),
		tolerance:     defaultTolerance,
	}
}

func (a *Adapter) Provider() string {
	return paymentdomain.ProviderStripe
}

// Configured reports whether a webhook secret is available.
func (a *Adapter) Configured() bool {
	return a.webhookSecret != ""
}

// Verify checks the Stripe-Signature header against the raw body.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if !a.Configured() {
		return paymentdomain.ErrWebhookSecretMissing
	}
	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" {
		return paymentdomain.ErrSignatureMissing
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, sigHeader, a.webhookSecret, a.tolerance); err != nil {
		if errors.Is(err, webhook.ErrNotSigned) {
			return paymentdomain.ErrSignatureMissing
		}
		return paymentdomain.ErrSignatureVerificationFailed
	}
	return nil
}

// Parse maps a verified event onto the canonical CardEvent. Event types the
// settlement core does not act on come back with Kind unhandled.
func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.CardEvent, error) {
	var event stripego.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrMalformedPayload
	}
	if strings.TrimSpace(event.ID) == "" || event.Type == "" {
		return nil, paymentdomain.ErrMalformedPayload
	}

	out := &paymentdomain.CardEvent{
		EventID:    event.ID,
		EventType:  string(event.Type),
		Kind:       paymentdomain.OutcomeUnhandled,
		OccurredAt: timestamp(event.Created),
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return out, nil
	}

	var err error
	switch event.Type {
	case "checkout.session.completed":
		err = parseSession(event, out, func(session *stripego.CheckoutSession) paymentdomain.OutcomeKind {
			if session.PaymentStatus == stripego.CheckoutSessionPaymentStatusPaid {
				return paymentdomain.OutcomePaymentSuccess
			}
			return paymentdomain.OutcomeUnhandled
		})
	case "checkout.session.async_payment_succeeded":
		err = parseSession(event, out, constKind(paymentdomain.OutcomePaymentSuccess))
	case "checkout.session.async_payment_failed":
		out.FailureReason = "async_payment_failed"
		err = parseSession(event, out, constKind(paymentdomain.OutcomePaymentFailure))
	case "checkout.session.expired":
		out.FailureReason = "checkout_expired"
		err = parseSession(event, out, constKind(paymentdomain.OutcomePaymentFailure))
	case "payment_intent.succeeded":
		err = parsePaymentIntent(event, out, paymentdomain.OutcomePaymentSuccess)
	case "payment_intent.payment_failed":
		err = parsePaymentIntent(event, out, paymentdomain.OutcomePaymentFailure)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func constKind(kind paymentdomain.OutcomeKind) func(*stripego.CheckoutSession) paymentdomain.OutcomeKind {
	return func(*stripego.CheckoutSession) paymentdomain.OutcomeKind { return kind }
}

func parseSession(
	event stripego.Event,
	out *paymentdomain.CardEvent,
	kindOf func(*stripego.CheckoutSession) paymentdomain.OutcomeKind,
) error {
	var session stripego.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return paymentdomain.ErrMalformedPayload
	}

	out.SessionID = session.ID
	if session.PaymentIntent != nil {
		out.PaymentIntentID = session.PaymentIntent.ID
	}
	out.Currency = strings.ToUpper(string(session.Currency))
	out.Amount = fromMinorUnits(session.AmountTotal, out.Currency)

	ref := session.Metadata[MetadataInvoiceID]
	if ref == "" {
		ref = session.ClientReferenceID
	}
	invoiceID, ok := parseInvoiceID(ref)
	if !ok {
		out.Kind = paymentdomain.OutcomeUnhandled
		return nil
	}
	out.InvoiceID = invoiceID
	out.Kind = kindOf(&session)
	return nil
}

func parsePaymentIntent(event stripego.Event, out *paymentdomain.CardEvent, kind paymentdomain.OutcomeKind) error {
	var intent stripego.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return paymentdomain.ErrMalformedPayload
	}

	out.PaymentIntentID = intent.ID
	out.Currency = strings.ToUpper(string(intent.Currency))
	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	out.Amount = fromMinorUnits(amount, out.Currency)

	if kind == paymentdomain.OutcomePaymentFailure {
		out.FailureReason = "payment_failed"
		if intent.LastPaymentError != nil {
			if code := strings.TrimSpace(string(intent.LastPaymentError.Code)); code != "" {
				out.FailureReason = code
			} else if msg := strings.TrimSpace(intent.LastPaymentError.Msg); msg != "" {
				out.FailureReason = msg
			}
		}
	}

	invoiceID, ok := parseInvoiceID(intent.Metadata[MetadataInvoiceID])
	if !ok {
		out.Kind = paymentdomain.OutcomeUnhandled
		return nil
	}
	out.InvoiceID = invoiceID
	out.Kind = kind
	return nil
}

func parseInvoiceID(raw string) (snowflake.ID, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// fromMinorUnits converts a Stripe integer amount into currency units.
func fromMinorUnits(amount int64, currency string) decimal.Decimal {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(currency)]; ok {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

// ToMinorUnits is the inverse of fromMinorUnits, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(currency)]; ok {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

func timestamp(created int64) time.Time {
	if created == 0 {
		return time.Now().UTC()
	}
	return time.Unix(created, 0).UTC()
}
