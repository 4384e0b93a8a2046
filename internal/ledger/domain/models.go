package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentMethod records which rail produced the income.
type PaymentMethod string

const (
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodCrypto PaymentMethod = "crypto"
)

// LedgerEntry is the immutable income record of one confirmed payment.
type LedgerEntry struct {
	ID                snowflake.ID    `gorm:"primaryKey"`
	UserID            snowflake.ID    `gorm:"not null;index"`
	PaymentID         snowflake.ID    `gorm:"not null;uniqueIndex:ux_ledger_entries_payment_id"`
	InvoiceID         snowflake.ID    `gorm:"not null;index"`
	ClientID          snowflake.ID    `gorm:"not null"`
	ProjectID         *snowflake.ID   `gorm:""`
	PaymentMethod     PaymentMethod   `gorm:"type:text;not null"`
	Amount            decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Currency          string          `gorm:"type:text;not null"`
	ConvertedAmount   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	ConvertedCurrency string          `gorm:"type:text;not null"`
	FXRate            decimal.Decimal `gorm:"column:fx_rate;type:numeric(20,10);not null"`
	OccurredAt        time.Time       `gorm:"not null"`
	CreatedAt         time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// RecordIncomeRequest describes the income to book for a confirmed payment.
type RecordIncomeRequest struct {
	UserID        snowflake.ID
	PaymentID     snowflake.ID
	InvoiceID     snowflake.ID
	ClientID      snowflake.ID
	ProjectID     *snowflake.ID
	PaymentMethod PaymentMethod
	Amount        decimal.Decimal
	Currency      string
	// TargetCurrency is the merchant's default reporting currency.
	TargetCurrency string
	OccurredAt     time.Time
}

// Service books income entries. RecordIncome must run on the caller's
// transaction so the entry commits or rolls back with the payment update.
type Service interface {
	RecordIncome(ctx context.Context, tx *gorm.DB, req RecordIncomeRequest) (LedgerEntry, bool, error)
	FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*LedgerEntry, error)
}

var (
	ErrInvalidUser       = errors.New("invalid_user")
	ErrInvalidPayment    = errors.New("invalid_payment")
	ErrInvalidInvoice    = errors.New("invalid_invoice")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidCurrency   = errors.New("invalid_currency")
	ErrInvalidOccurredAt = errors.New("invalid_occurred_at")
	ErrInvalidMethod     = errors.New("invalid_payment_method")
)
