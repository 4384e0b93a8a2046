package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists payments. All methods run on the supplied handle so
// callers control the transaction boundary.
type Repository interface {
	FindByInvoiceID(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*Payment, error)
	FindByCheckoutSessionID(ctx context.Context, db *gorm.DB, sessionID string) (*Payment, error)
	FindByTxHash(ctx context.Context, db *gorm.DB, chain, txHash string) (*Payment, error)
	ListPendingCrypto(ctx context.Context, db *gorm.DB, userID snowflake.ID, chain, asset string) ([]Payment, error)
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	Save(ctx context.Context, db *gorm.DB, payment *Payment, updatedAt time.Time) error
}
