package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Repository interface {
	FindInvoiceByTokenHash(ctx context.Context, db *gorm.DB, tokenHash string) (*InvoiceRecord, error)
	ListInvoiceItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]InvoiceItemRecord, error)
}

// InvoiceRecord is an invoice joined with its merchant and client.
type InvoiceRecord struct {
	ID                    snowflake.ID    `gorm:"column:id"`
	UserID                snowflake.ID    `gorm:"column:user_id"`
	ClientID              snowflake.ID    `gorm:"column:client_id"`
	ProjectID             *snowflake.ID   `gorm:"column:project_id"`
	InvoiceNumber         string          `gorm:"column:invoice_number"`
	Status                string          `gorm:"column:status"`
	Subtotal              decimal.Decimal `gorm:"column:subtotal"`
	Tax                   decimal.Decimal `gorm:"column:tax"`
	Total                 decimal.Decimal `gorm:"column:total"`
	Currency              string          `gorm:"column:currency"`
	PaymentTokenExpiresAt *time.Time      `gorm:"column:payment_token_expires_at"`
	CardEnabled           bool            `gorm:"column:card_enabled"`
	CryptoEnabled         bool            `gorm:"column:crypto_enabled"`
	CryptoChains          string          `gorm:"column:crypto_chains"`
	CryptoAssets          string          `gorm:"column:crypto_assets"`
	IssuedAt              *time.Time      `gorm:"column:issued_at"`
	DueAt                 *time.Time      `gorm:"column:due_at"`
	PaidAt                *time.Time      `gorm:"column:paid_at"`

	MerchantName          string `gorm:"column:merchant_name"`
	MerchantEmail         string `gorm:"column:merchant_email"`
	MerchantCurrency      string `gorm:"column:merchant_currency"`
	MerchantCardEnabled   bool   `gorm:"column:merchant_card_enabled"`
	MerchantCryptoEnabled bool   `gorm:"column:merchant_crypto_enabled"`

	ClientName    string `gorm:"column:client_name"`
	ClientEmail   string `gorm:"column:client_email"`
	ClientCompany string `gorm:"column:client_company"`
}

type InvoiceItemRecord struct {
	Description string          `gorm:"column:description"`
	Quantity    decimal.Decimal `gorm:"column:quantity"`
	UnitPrice   decimal.Decimal `gorm:"column:unit_price"`
	Amount      decimal.Decimal `gorm:"column:amount"`
}
