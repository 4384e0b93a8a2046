package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// InvalidReason explains why a payment token cannot be used.
type InvalidReason string

const (
	ReasonNotFound    InvalidReason = "not_found"
	ReasonExpired     InvalidReason = "expired"
	ReasonAlreadyPaid InvalidReason = "already_paid"
	ReasonCancelled   InvalidReason = "cancelled"
)

// Err maps the reason to its sentinel error.
func (r InvalidReason) Err() error {
	switch r {
	case ReasonExpired:
		return ErrTokenExpired
	case ReasonAlreadyPaid:
		return ErrInvoiceAlreadyPaid
	case ReasonCancelled:
		return ErrInvoiceCancelled
	default:
		return ErrTokenNotFound
	}
}

// ValidationResult is either Valid with a View, or carries a Reason.
type ValidationResult struct {
	Valid  bool
	Reason InvalidReason
	View   *PaymentView
	// Invoice is the matched row; set whenever the token matched an invoice.
	Invoice *InvoiceRecord
}

type Service interface {
	ValidatePaymentToken(ctx context.Context, token string) (ValidationResult, error)
	GetCryptoPaymentConfig(ctx context.Context, token string) (*CryptoPaymentConfig, error)
	CreateCryptoIntent(ctx context.Context, token string, req CryptoIntentRequest) (*CryptoIntent, error)
}

type PaymentViewItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

type PaymentParty struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Company string `json:"company,omitempty"`
}

type PaymentMethods struct {
	Card   bool `json:"card"`
	Crypto bool `json:"crypto"`
}

// PaymentView is the read-only invoice shown on the hosted payment page.
type PaymentView struct {
	InvoiceID     string            `json:"invoice_id"`
	InvoiceNumber string            `json:"invoice_number"`
	Status        string            `json:"status"`
	Currency      string            `json:"currency"`
	Subtotal      decimal.Decimal   `json:"subtotal"`
	Tax           decimal.Decimal   `json:"tax"`
	Total         decimal.Decimal   `json:"total"`
	IssueDate     string            `json:"issue_date,omitempty"`
	DueDate       string            `json:"due_date,omitempty"`
	Merchant      PaymentParty      `json:"merchant"`
	Client        PaymentParty      `json:"client"`
	Items         []PaymentViewItem `json:"items"`
	Methods       PaymentMethods    `json:"payment_methods"`
}

type CryptoAddress struct {
	Chain    string `json:"chain"`
	Asset    string `json:"asset"`
	Address  string `json:"address"`
	Contract string `json:"contract,omitempty"`
	Decimals int32  `json:"decimals,omitempty"`
}

// CryptoPaymentConfig lists where and how much to send for an invoice.
type CryptoPaymentConfig struct {
	InvoiceID string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Addresses []CryptoAddress `json:"addresses"`
}

type CryptoIntentRequest struct {
	Chain string `json:"chain"`
	Asset string `json:"asset"`
}

// CryptoIntent is the pending crypto payment the payer is expected to fund.
type CryptoIntent struct {
	PaymentID string          `json:"payment_id"`
	InvoiceID string          `json:"invoice_id"`
	Chain     string          `json:"chain"`
	Asset     string          `json:"asset"`
	Address   string          `json:"address"`
	Amount    decimal.Decimal `json:"amount"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

var (
	ErrTokenNotFound      = errors.New("not_found")
	ErrTokenExpired       = errors.New("expired")
	ErrInvoiceAlreadyPaid = errors.New("already_paid")
	ErrInvoiceCancelled   = errors.New("cancelled")

	ErrCryptoDisabled          = errors.New("crypto_disabled")
	ErrNoCryptoAddresses       = errors.New("no_crypto_addresses")
	ErrUnsupportedCryptoOption = errors.New("unsupported_crypto_option")
	ErrPaymentAlreadySettled   = errors.New("payment_already_settled")
)
