package webhook

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/freelancepay/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
	"go.uber.org/zap"
)

// Stablecoins are pegged to this currency when quoting invoice totals.
const quoteCurrency = "USD"

// Match ties a chain transfer to the invoice it pays.
type Match struct {
	InvoiceID      snowflake.ID
	PaymentID      snowflake.ID
	ExpectedAmount decimal.Decimal
	ToAddress      string
	Asset          string
}

// match resolves a transfer in order: a payment already bound to the tx
// hash, the single pending crypto intent to the same address whose amount
// fits, then the single unpaid crypto-enabled invoice whose quoted total
// fits. More than one fitting intent leaves the transfer unmatched.
func (s *Service) match(ctx context.Context, transfer paymentdomain.ChainTransfer) (*Match, string, error) {
	chain := strings.ToLower(strings.TrimSpace(transfer.Chain))

	wallet, err := s.wallets.FindByAddress(ctx, chain, transfer.ToAddress)
	if err != nil {
		return nil, "", fmt.Errorf("find wallet address: %w", err)
	}
	if wallet == nil {
		return nil, ReasonUnknownRecipient, nil
	}

	base := Match{ToAddress: wallet.Address, Asset: wallet.Asset}

	bound, err := s.paymentRepo.FindByTxHash(ctx, s.db, chain, transfer.TxHash)
	if err != nil {
		return nil, "", fmt.Errorf("find payment by tx hash: %w", err)
	}
	if bound != nil && bound.UserID == wallet.UserID {
		base.InvoiceID = bound.InvoiceID
		base.PaymentID = bound.ID
		base.ExpectedAmount = bound.Amount
		return &base, "", nil
	}

	tolerance := s.settings.Get().Tolerance()

	pending, err := s.paymentRepo.ListPendingCrypto(ctx, s.db, wallet.UserID, chain, wallet.Asset)
	if err != nil {
		return nil, "", fmt.Errorf("list pending crypto payments: %w", err)
	}
	var (
		candidate  *paymentdomain.Payment
		candidates int
	)
	for i := range pending {
		if withinTolerance(pending[i].Amount, transfer.Amount, tolerance) {
			candidate = &pending[i]
			candidates++
		}
	}
	switch {
	case candidates == 1:
		base.InvoiceID = candidate.InvoiceID
		base.PaymentID = candidate.ID
		base.ExpectedAmount = candidate.Amount
		return &base, "", nil
	case candidates > 1:
		// Intents share the merchant address, so equal amounts are ambiguous.
		s.log.Warn("transfer fits several pending intents",
			zap.String("chain", chain),
			zap.String("tx_hash", transfer.TxHash),
			zap.Int("candidates", candidates),
		)
		return nil, ReasonUnmatchedTransfer, nil
	case len(pending) == 1:
		// Let the verifier report the amount mismatch against the intent.
		base.InvoiceID = pending[0].InvoiceID
		base.PaymentID = pending[0].ID
		base.ExpectedAmount = pending[0].Amount
		return &base, "", nil
	}

	invoiceID, expected, ok, err := s.matchOpenInvoice(ctx, wallet.UserID, chain, wallet.Asset, transfer.Amount, tolerance)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, ReasonUnmatchedTransfer, nil
	}
	base.InvoiceID = invoiceID
	base.ExpectedAmount = expected
	return &base, "", nil
}

type openInvoice struct {
	ID           snowflake.ID
	Total        decimal.Decimal
	Currency     string
	CryptoChains string
	CryptoAssets string
}

func (s *Service) matchOpenInvoice(
	ctx context.Context,
	userID snowflake.ID,
	chain, asset string,
	amount, tolerance decimal.Decimal,
) (snowflake.ID, decimal.Decimal, bool, error) {
	var rows []openInvoice
	err := s.db.WithContext(ctx).Raw(
		`SELECT i.id, i.total, i.currency, i.crypto_chains, i.crypto_assets
		 FROM invoices i
		 JOIN merchants m ON m.id = i.user_id
		 WHERE i.user_id = ? AND i.status IN (?, ?) AND i.paid_at IS NULL
		   AND i.crypto_enabled = ? AND m.crypto_enabled = ?
		 ORDER BY i.id ASC`,
		userID,
		invoicedomain.InvoiceStatusSent,
		invoicedomain.InvoiceStatusOverdue,
		true,
		true,
	).Scan(&rows).Error
	if err != nil {
		return 0, decimal.Zero, false, fmt.Errorf("list open invoices: %w", err)
	}

	var (
		found    snowflake.ID
		expected decimal.Decimal
		count    int
	)
	now := s.clock.Now()
	for _, row := range rows {
		if !listAllows(invoicedomain.SplitList(row.CryptoChains), chain) ||
			!listAllows(invoicedomain.SplitList(row.CryptoAssets), asset) {
			continue
		}
		rate, err := s.rates.Rate(ctx, row.Currency, quoteCurrency, now)
		if err != nil {
			s.log.Debug("skipping invoice without quote rate",
				zap.String("invoice_id", row.ID.String()),
				zap.String("currency", row.Currency),
				zap.Error(err),
			)
			continue
		}
		quoted := row.Total.Mul(rate).Round(2)
		if withinTolerance(quoted, amount, tolerance) {
			found, expected = row.ID, quoted
			count++
		}
	}
	// Ambiguous amounts are never guessed.
	if count != 1 {
		return 0, decimal.Zero, false, nil
	}
	return found, expected, true, nil
}

func withinTolerance(expected, actual, tolerance decimal.Decimal) bool {
	return expected.Sub(actual).Abs().LessThanOrEqual(tolerance)
}

func listAllows(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}
