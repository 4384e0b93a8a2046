package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Merchant is the freelancer who issues invoices and receives payments.
type Merchant struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	DisplayName     string       `gorm:"type:text;not null"`
	BusinessName    string       `gorm:"type:text;not null;default:''"`
	Email           string       `gorm:"type:text;not null"`
	DefaultCurrency string       `gorm:"type:text;not null;default:'USD'"`
	CardEnabled     bool         `gorm:"not null"`
	CryptoEnabled   bool         `gorm:"not null;default:false"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Merchant) TableName() string { return "merchants" }

// Name returns the business name when set, otherwise the display name.
func (m Merchant) Name() string {
	if m.BusinessName != "" {
		return m.BusinessName
	}
	return m.DisplayName
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Merchant, error)
	SetCryptoEnabled(ctx context.Context, db *gorm.DB, id snowflake.ID, enabled bool, updatedAt time.Time) error
}

var ErrMerchantNotFound = errors.New("merchant_not_found")
