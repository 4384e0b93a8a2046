package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	publicinvoicedomain "github.com/smallbiznis/freelancepay/internal/publicinvoice/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() publicinvoicedomain.Repository {
	return &repo{}
}

func (r *repo) FindInvoiceByTokenHash(
	ctx context.Context,
	db *gorm.DB,
	tokenHash string,
) (*publicinvoicedomain.InvoiceRecord, error) {
	if db == nil || tokenHash == "" {
		return nil, nil
	}

	query := `
		SELECT i.id, i.user_id, i.client_id, i.project_id, i.invoice_number, i.status,
			i.subtotal, i.tax, i.total, i.currency, i.payment_token_expires_at,
			i.card_enabled, i.crypto_enabled, i.crypto_chains, i.crypto_assets,
			i.issued_at, i.due_at, i.paid_at,
			CASE WHEN m.business_name <> '' THEN m.business_name ELSE m.display_name END AS merchant_name,
			m.email AS merchant_email, m.default_currency AS merchant_currency,
			m.card_enabled AS merchant_card_enabled, m.crypto_enabled AS merchant_crypto_enabled,
			COALESCE(c.name, '') AS client_name, COALESCE(c.email, '') AS client_email,
			COALESCE(c.company, '') AS client_company
		FROM invoices i
		JOIN merchants m ON m.id = i.user_id
		LEFT JOIN clients c ON c.id = i.client_id
		WHERE i.payment_token_hash = ?
		LIMIT 1`

	var row publicinvoicedomain.InvoiceRecord
	if err := db.WithContext(ctx).Raw(query, tokenHash).Scan(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) ListInvoiceItems(
	ctx context.Context,
	db *gorm.DB,
	invoiceID snowflake.ID,
) ([]publicinvoicedomain.InvoiceItemRecord, error) {
	if db == nil || invoiceID == 0 {
		return nil, nil
	}

	var rows []publicinvoicedomain.InvoiceItemRecord
	if err := db.WithContext(ctx).Raw(
		`SELECT description, quantity, unit_price, amount
		 FROM invoice_items
		 WHERE invoice_id = ?
		 ORDER BY position ASC, id ASC`,
		invoiceID,
	).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
