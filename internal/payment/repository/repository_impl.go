package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/freelancepay/internal/payment/domain"
	"gorm.io/gorm"
)

const paymentColumns = `id, invoice_id, user_id, type, status, amount, currency,
	checkout_session_id, payment_intent_id, tx_hash, chain, asset, to_address,
	from_address, confirmations, failure_reason, ledger_entry_id, confirmed_at,
	failed_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByInvoiceID(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*domain.Payment, error) {
	return r.findOne(ctx, db,
		`SELECT `+paymentColumns+` FROM payments WHERE invoice_id = ? LIMIT 1`,
		invoiceID,
	)
}

func (r *repo) FindByCheckoutSessionID(ctx context.Context, db *gorm.DB, sessionID string) (*domain.Payment, error) {
	return r.findOne(ctx, db,
		`SELECT `+paymentColumns+` FROM payments WHERE checkout_session_id = ? LIMIT 1`,
		sessionID,
	)
}

func (r *repo) FindByTxHash(ctx context.Context, db *gorm.DB, chain, txHash string) (*domain.Payment, error) {
	return r.findOne(ctx, db,
		`SELECT `+paymentColumns+` FROM payments WHERE chain = ? AND lower(tx_hash) = lower(?) LIMIT 1`,
		chain,
		txHash,
	)
}

func (r *repo) ListPendingCrypto(ctx context.Context, db *gorm.DB, userID snowflake.ID, chain, asset string) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE user_id = ? AND type = ? AND status = ? AND chain = ? AND asset = ?
		 ORDER BY created_at ASC, id ASC`,
		userID,
		domain.PaymentTypeCrypto,
		domain.PaymentStatusPending,
		chain,
		asset,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.InvoiceID,
		payment.UserID,
		payment.Type,
		payment.Status,
		payment.Amount,
		payment.Currency,
		payment.CheckoutSessionID,
		payment.PaymentIntentID,
		payment.TxHash,
		payment.Chain,
		payment.Asset,
		payment.ToAddress,
		payment.FromAddress,
		payment.Confirmations,
		payment.FailureReason,
		payment.LedgerEntryID,
		payment.ConfirmedAt,
		payment.FailedAt,
		payment.CreatedAt,
		payment.UpdatedAt,
	).Error
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, payment *domain.Payment, updatedAt time.Time) error {
	payment.UpdatedAt = updatedAt
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET type = ?, status = ?, amount = ?, currency = ?,
			checkout_session_id = ?, payment_intent_id = ?, tx_hash = ?,
			chain = ?, asset = ?, to_address = ?, from_address = ?,
			confirmations = ?, failure_reason = ?, ledger_entry_id = ?,
			confirmed_at = ?, failed_at = ?, updated_at = ?
		 WHERE id = ?`,
		payment.Type,
		payment.Status,
		payment.Amount,
		payment.Currency,
		payment.CheckoutSessionID,
		payment.PaymentIntentID,
		payment.TxHash,
		payment.Chain,
		payment.Asset,
		payment.ToAddress,
		payment.FromAddress,
		payment.Confirmations,
		payment.FailureReason,
		payment.LedgerEntryID,
		payment.ConfirmedAt,
		payment.FailedAt,
		payment.UpdatedAt,
		payment.ID,
	).Error
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Payment, error) {
	var item domain.Payment
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
