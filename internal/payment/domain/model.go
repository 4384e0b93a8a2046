package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	ProviderStripe = "stripe"
	ProviderChain  = "chain"
)

type PaymentType string

const (
	PaymentTypeFiat   PaymentType = "fiat"
	PaymentTypeCrypto PaymentType = "crypto"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Payment is the single payment attempt record of an invoice. Fiat rows carry
// processor identifiers, crypto rows carry on-chain identifiers.
type Payment struct {
	ID        snowflake.ID    `json:"id" gorm:"primaryKey"`
	InvoiceID snowflake.ID    `json:"invoice_id" gorm:"not null;uniqueIndex:ux_payments_invoice_id"`
	UserID    snowflake.ID    `json:"user_id" gorm:"not null;index"`
	Type      PaymentType     `json:"type" gorm:"type:text;not null"`
	Status    PaymentStatus   `json:"status" gorm:"type:text;not null;default:'pending'"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:numeric(20,8);not null"`
	Currency  string          `json:"currency" gorm:"type:text;not null"`

	CheckoutSessionID *string `json:"checkout_session_id,omitempty" gorm:"type:text;index"`
	PaymentIntentID   *string `json:"payment_intent_id,omitempty" gorm:"type:text"`

	TxHash        *string `json:"tx_hash,omitempty" gorm:"type:text;index"`
	Chain         string  `json:"chain,omitempty" gorm:"type:text;not null;default:''"`
	Asset         string  `json:"asset,omitempty" gorm:"type:text;not null;default:''"`
	ToAddress     string  `json:"to_address,omitempty" gorm:"type:text;not null;default:''"`
	FromAddress   string  `json:"from_address,omitempty" gorm:"type:text;not null;default:''"`
	Confirmations int64   `json:"confirmations,omitempty" gorm:"not null;default:0"`

	FailureReason string        `json:"failure_reason,omitempty" gorm:"type:text;not null;default:''"`
	LedgerEntryID *snowflake.ID `json:"ledger_entry_id,omitempty"`
	ConfirmedAt   *time.Time    `json:"confirmed_at,omitempty"`
	FailedAt      *time.Time    `json:"failed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time     `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Payment) TableName() string { return "payments" }

// ProcessedWebhookEvent marks a provider event as handled and stores the
// handler result returned to later duplicates.
type ProcessedWebhookEvent struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	Provider        string         `gorm:"type:text;not null;uniqueIndex:ux_processed_webhook_events_provider_event,priority:1"`
	ExternalEventID string         `gorm:"type:text;not null;uniqueIndex:ux_processed_webhook_events_provider_event,priority:2"`
	EventType       string         `gorm:"type:text;not null;default:''"`
	Result          datatypes.JSON `gorm:"type:jsonb;not null"`
	ProcessedAt     time.Time      `gorm:"not null"`
}

func (ProcessedWebhookEvent) TableName() string { return "processed_webhook_events" }
