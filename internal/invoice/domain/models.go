// Package domain contains persistence models for invoices as seen by the
// payment core. Invoice authoring lives elsewhere; here invoices are read and
// only ever moved to paid.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusSent      InvoiceStatus = "sent"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusOverdue   InvoiceStatus = "overdue"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// Payable reports whether an invoice in this status can still receive money.
func (s InvoiceStatus) Payable() bool {
	return s == InvoiceStatusSent || s == InvoiceStatusOverdue
}

// Invoice is a bill issued by a merchant (user) to a client.
type Invoice struct {
	ID                    snowflake.ID    `gorm:"primaryKey"`
	UserID                snowflake.ID    `gorm:"not null;index"`
	ClientID              snowflake.ID    `gorm:"not null;index"`
	ProjectID             *snowflake.ID   `gorm:"index"`
	InvoiceNumber         string          `gorm:"type:text;not null"`
	Status                InvoiceStatus   `gorm:"type:text;not null;default:'draft'"`
	Subtotal              decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Tax                   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Total                 decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Currency              string          `gorm:"type:text;not null"`
	PaymentTokenHash      *string         `gorm:"type:text;uniqueIndex:ux_invoices_payment_token_hash"`
	PaymentTokenExpiresAt *time.Time
	// No gorm default: create must store an explicit false.
	CardEnabled           bool   `gorm:"not null"`
	CryptoEnabled         bool   `gorm:"not null;default:false"`
	CryptoChains          string `gorm:"type:text;not null;default:''"`
	CryptoAssets          string `gorm:"type:text;not null;default:''"`
	IssuedAt              *time.Time
	DueAt                 *time.Time
	PaidAt                *time.Time
	CreatedAt             time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// AllowedChains returns the invoice chain allow-list; empty means any.
func (i Invoice) AllowedChains() []string { return SplitList(i.CryptoChains) }

// AllowedAssets returns the invoice asset allow-list; empty means any.
func (i Invoice) AllowedAssets() []string { return SplitList(i.CryptoAssets) }

// InvoiceItem represents a line on an invoice.
type InvoiceItem struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	InvoiceID   snowflake.ID    `gorm:"not null;index"`
	Description string          `gorm:"type:text;not null;default:''"`
	Quantity    decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Position    int             `gorm:"not null;default:0"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }

// Client is the payer an invoice is addressed to.
type Client struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    snowflake.ID `gorm:"not null;index"`
	Name      string       `gorm:"type:text;not null"`
	Email     string       `gorm:"type:text;not null;default:''"`
	Company   string       `gorm:"type:text;not null;default:''"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Client) TableName() string { return "clients" }

// HashPaymentToken returns the stored form of a public payment token. Raw
// tokens are never persisted.
func HashPaymentToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// SplitList parses a comma-separated allow-list into lower-cased entries.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
