package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	merchantdomain "github.com/smallbiznis/freelancepay/internal/merchant/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() merchantdomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*merchantdomain.Merchant, error) {
	var row merchantdomain.Merchant
	err := db.WithContext(ctx).Raw(
		`SELECT id, display_name, business_name, email, default_currency, card_enabled, crypto_enabled, created_at, updated_at
		 FROM merchants WHERE id = ?`,
		id,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) SetCryptoEnabled(ctx context.Context, db *gorm.DB, id snowflake.ID, enabled bool, updatedAt time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE merchants SET crypto_enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, updatedAt, id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return merchantdomain.ErrMerchantNotFound
	}
	return nil
}
