package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// OutcomeKind is the closed set of canonical outcomes an adapter can emit.
type OutcomeKind string

const (
	OutcomePaymentSuccess OutcomeKind = "payment_success"
	OutcomePaymentFailure OutcomeKind = "payment_failure"
	OutcomeUnhandled      OutcomeKind = "unhandled"
)

// CardEvent is a verified card-processor notification.
type CardEvent struct {
	EventID         string
	EventType       string
	Kind            OutcomeKind
	InvoiceID       snowflake.ID
	SessionID       string
	PaymentIntentID string
	Amount          decimal.Decimal
	Currency        string
	FailureReason   string
	OccurredAt      time.Time
}

// ChainTransfer is one token transfer reported by the chain notifier. The
// adapter does not match it to an invoice.
type ChainTransfer struct {
	Chain           string
	TxHash          string
	FromAddress     string
	ToAddress       string
	Asset           string
	ContractAddress string
	Amount          decimal.Decimal
	LogIndex        int64
}

// ChainNotification is a verified chain-notifier delivery.
type ChainNotification struct {
	EventID   string
	WebhookID string
	EventType string
	Network   string
	Transfers []ChainTransfer
	CreatedAt time.Time
	// SignatureSkipped is set when no signing key is configured and the
	// payload was accepted unauthenticated.
	SignatureSkipped bool
}
