package domain

import "errors"

var (
	ErrSignatureVerificationFailed = errors.New("invalid_signature")
	ErrSignatureMissing            = errors.New("missing_signature")
	ErrWebhookSecretMissing        = errors.New("webhook_secret_missing")
	ErrMalformedPayload            = errors.New("malformed_payload")
	ErrEventIgnored                = errors.New("event_ignored")

	ErrInvalidInvoice      = errors.New("invalid_invoice")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrInvalidPaymentType  = errors.New("invalid_payment_type")
	ErrPaymentNotFound     = errors.New("payment_not_found")
	ErrInvoiceNotPayable   = errors.New("invoice_not_payable")
	ErrCardPaymentDisabled = errors.New("card_payment_disabled")
	ErrCheckoutInProgress  = errors.New("checkout_in_progress")
	ErrCheckoutUnavailable = errors.New("checkout_unavailable")
)
