package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// SuccessOutcome is a verified payment to apply to an invoice.
type SuccessOutcome struct {
	InvoiceID snowflake.ID
	Type      PaymentType
	Amount    decimal.Decimal
	Currency  string

	CheckoutSessionID string
	PaymentIntentID   string

	TxHash        string
	Chain         string
	Asset         string
	ToAddress     string
	FromAddress   string
	Confirmations int64

	OccurredAt time.Time
}

// FailureOutcome is a definitive payment failure reported by a provider.
type FailureOutcome struct {
	InvoiceID         snowflake.ID
	Type              PaymentType
	Reason            string
	CheckoutSessionID string
	PaymentIntentID   string
	TxHash            string
	OccurredAt        time.Time
}

// Transition describes what the settlement state machine did.
type Transition struct {
	Applied       bool          `json:"applied"`
	From          PaymentStatus `json:"from,omitempty"`
	To            PaymentStatus `json:"to,omitempty"`
	PaymentID     snowflake.ID  `json:"payment_id,omitempty"`
	LedgerEntryID snowflake.ID  `json:"ledger_entry_id,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

const (
	TransitionReasonAlreadyPaid      = "already_paid"
	TransitionReasonAlreadyConfirmed = "already_confirmed"
	TransitionReasonInvoiceNotFound  = "invoice_not_found"
	TransitionReasonInvoiceCancelled = "invoice_cancelled"
	TransitionReasonStaleAttempt     = "stale_attempt"
)
