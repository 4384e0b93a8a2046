package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/freelancepay/internal/clock"
	"github.com/smallbiznis/freelancepay/internal/config"
	fxratedomain "github.com/smallbiznis/freelancepay/internal/fxrate/domain"
	invoicedomain "github.com/smallbiznis/freelancepay/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/freelancepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
	publicinvoicedomain "github.com/smallbiznis/freelancepay/internal/publicinvoice/domain"
	walletdomain "github.com/smallbiznis/freelancepay/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Stablecoin amounts are quoted in this currency.
const cryptoQuoteCurrency = "USD"

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        publicinvoicedomain.Repository
	PaymentRepo paymentdomain.Repository
	Wallets     walletdomain.Service
	Settlement  *config.SettlementConfigHolder
	Rates       fxratedomain.Provider
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        publicinvoicedomain.Repository
	paymentRepo paymentdomain.Repository
	wallets     walletdomain.Service
	settlement  *config.SettlementConfigHolder
	rates       fxratedomain.Provider
	obsMetrics  *obsmetrics.Metrics
}

func New(p Params) publicinvoicedomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("publicinvoice.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		paymentRepo: p.PaymentRepo,
		wallets:     p.Wallets,
		settlement:  p.Settlement,
		rates:       p.Rates,
		obsMetrics:  p.ObsMetrics,
	}
}

// ValidatePaymentToken resolves a public token. Invalid tokens are reported
// through the result; the error is reserved for storage failures.
func (s *Service) ValidatePaymentToken(ctx context.Context, token string) (publicinvoicedomain.ValidationResult, error) {
	result, err := s.validate(ctx, token)
	if err != nil {
		return result, err
	}
	if result.Valid {
		s.obsMetrics.RecordTokenCheck(ctx, "valid")
	} else {
		s.obsMetrics.RecordTokenCheck(ctx, string(result.Reason))
	}
	return result, nil
}

func (s *Service) validate(ctx context.Context, token string) (publicinvoicedomain.ValidationResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return invalid(publicinvoicedomain.ReasonNotFound, nil), nil
	}

	row, err := s.repo.FindInvoiceByTokenHash(ctx, s.db, invoicedomain.HashPaymentToken(token))
	if err != nil {
		return publicinvoicedomain.ValidationResult{}, fmt.Errorf("find invoice by token: %w", err)
	}
	if row == nil {
		return invalid(publicinvoicedomain.ReasonNotFound, nil), nil
	}
	if reason, ok := s.rejectReason(row); ok {
		return invalid(reason, row), nil
	}

	items, err := s.repo.ListInvoiceItems(ctx, s.db, row.ID)
	if err != nil {
		return publicinvoicedomain.ValidationResult{}, fmt.Errorf("list invoice items: %w", err)
	}

	view := buildPaymentView(row, items)
	return publicinvoicedomain.ValidationResult{
		Valid:   true,
		View:    &view,
		Invoice: row,
	}, nil
}

// rejectReason applies the token checks in priority order: paid, cancelled,
// expired.
func (s *Service) rejectReason(row *publicinvoicedomain.InvoiceRecord) (publicinvoicedomain.InvalidReason, bool) {
	status := invoicedomain.InvoiceStatus(strings.ToLower(strings.TrimSpace(row.Status)))
	switch {
	case status == invoicedomain.InvoiceStatusDraft:
		return publicinvoicedomain.ReasonNotFound, true
	case status == invoicedomain.InvoiceStatusPaid || row.PaidAt != nil:
		return publicinvoicedomain.ReasonAlreadyPaid, true
	case status == invoicedomain.InvoiceStatusCancelled:
		return publicinvoicedomain.ReasonCancelled, true
	case row.PaymentTokenExpiresAt != nil && !row.PaymentTokenExpiresAt.After(s.clock.Now()):
		return publicinvoicedomain.ReasonExpired, true
	}
	return "", false
}

func invalid(reason publicinvoicedomain.InvalidReason, row *publicinvoicedomain.InvoiceRecord) publicinvoicedomain.ValidationResult {
	return publicinvoicedomain.ValidationResult{Reason: reason, Invoice: row}
}

// GetCryptoPaymentConfig lists the merchant addresses usable for the invoice.
func (s *Service) GetCryptoPaymentConfig(ctx context.Context, token string) (*publicinvoicedomain.CryptoPaymentConfig, error) {
	result, err := s.ValidatePaymentToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, result.Reason.Err()
	}
	return s.cryptoConfig(ctx, result.Invoice)
}

func (s *Service) cryptoConfig(ctx context.Context, row *publicinvoicedomain.InvoiceRecord) (*publicinvoicedomain.CryptoPaymentConfig, error) {
	if !row.CryptoEnabled || !row.MerchantCryptoEnabled {
		return nil, publicinvoicedomain.ErrCryptoDisabled
	}

	wallets, err := s.wallets.ListByUser(ctx, row.UserID)
	if err != nil {
		return nil, fmt.Errorf("list wallet addresses: %w", err)
	}

	settings := s.settlement.Get()
	chains := invoicedomain.SplitList(row.CryptoChains)
	assets := invoicedomain.SplitList(row.CryptoAssets)

	addresses := make([]publicinvoicedomain.CryptoAddress, 0, len(wallets))
	for _, w := range wallets {
		if !allowed(chains, w.Chain) || !allowed(assets, w.Asset) {
			continue
		}
		token, ok := settings.Token(w.Chain, w.Asset)
		if !ok {
			continue
		}
		addresses = append(addresses, publicinvoicedomain.CryptoAddress{
			Chain:    w.Chain,
			Asset:    w.Asset,
			Address:  w.Address,
			Contract: token.Contract,
			Decimals: token.Decimals,
		})
	}
	if len(addresses) == 0 {
		return nil, publicinvoicedomain.ErrNoCryptoAddresses
	}

	amount, err := s.cryptoAmount(ctx, row)
	if err != nil {
		return nil, err
	}

	return &publicinvoicedomain.CryptoPaymentConfig{
		InvoiceID: row.ID.String(),
		Amount:    amount,
		Currency:  cryptoQuoteCurrency,
		Addresses: addresses,
	}, nil
}

// cryptoAmount quotes the invoice total in USD, the peg of every supported
// stablecoin.
func (s *Service) cryptoAmount(ctx context.Context, row *publicinvoicedomain.InvoiceRecord) (decimal.Decimal, error) {
	rate, err := s.rates.Rate(ctx, row.Currency, cryptoQuoteCurrency, s.clock.Now())
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote crypto amount: %w", err)
	}
	return row.Total.Mul(rate).Round(2), nil
}

// CreateCryptoIntent records a pending crypto payment for the chosen chain
// and asset so incoming transfers can be matched to the invoice.
func (s *Service) CreateCryptoIntent(
	ctx context.Context,
	token string,
	req publicinvoicedomain.CryptoIntentRequest,
) (*publicinvoicedomain.CryptoIntent, error) {
	result, err := s.ValidatePaymentToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, result.Reason.Err()
	}
	row := result.Invoice

	cfg, err := s.cryptoConfig(ctx, row)
	if err != nil {
		return nil, err
	}

	pair := walletdomain.Pair{Chain: req.Chain, Asset: req.Asset}.Normalize()
	var target *publicinvoicedomain.CryptoAddress
	for i := range cfg.Addresses {
		if cfg.Addresses[i].Chain == pair.Chain && strings.EqualFold(cfg.Addresses[i].Asset, pair.Asset) {
			target = &cfg.Addresses[i]
			break
		}
	}
	if target == nil {
		return nil, publicinvoicedomain.ErrUnsupportedCryptoOption
	}

	var payment paymentdomain.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lockErr error
		payment, lockErr = s.upsertPendingCrypto(ctx, tx, row, target, cfg.Amount)
		return lockErr
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("crypto payment intent created",
		zap.String("invoice_id", row.ID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.String("chain", target.Chain),
		zap.String("asset", target.Asset),
	)

	return &publicinvoicedomain.CryptoIntent{
		PaymentID: payment.ID.String(),
		InvoiceID: row.ID.String(),
		Chain:     target.Chain,
		Asset:     target.Asset,
		Address:   target.Address,
		Amount:    cfg.Amount,
		ExpiresAt: row.PaymentTokenExpiresAt,
	}, nil
}

func (s *Service) upsertPendingCrypto(
	ctx context.Context,
	tx *gorm.DB,
	row *publicinvoicedomain.InvoiceRecord,
	target *publicinvoicedomain.CryptoAddress,
	amount decimal.Decimal,
) (paymentdomain.Payment, error) {
	var invoice invoicedomain.Invoice
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "status").
		Where("id = ?", row.ID).
		Take(&invoice).Error; err != nil {
		return paymentdomain.Payment{}, fmt.Errorf("lock invoice: %w", err)
	}
	if invoice.Status == invoicedomain.InvoiceStatusPaid {
		return paymentdomain.Payment{}, publicinvoicedomain.ErrInvoiceAlreadyPaid
	}

	now := s.clock.Now()
	existing, err := s.paymentRepo.FindByInvoiceID(ctx, tx, row.ID)
	if err != nil {
		return paymentdomain.Payment{}, fmt.Errorf("find payment: %w", err)
	}

	if existing == nil {
		payment := paymentdomain.Payment{
			ID:        s.genID.Generate(),
			InvoiceID: row.ID,
			UserID:    row.UserID,
			Type:      paymentdomain.PaymentTypeCrypto,
			Status:    paymentdomain.PaymentStatusPending,
			Amount:    amount,
			Currency:  target.Asset,
			Chain:     target.Chain,
			Asset:     target.Asset,
			ToAddress: target.Address,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.paymentRepo.Insert(ctx, tx, &payment); err != nil {
			return paymentdomain.Payment{}, fmt.Errorf("insert payment: %w", err)
		}
		return payment, nil
	}

	if existing.Status == paymentdomain.PaymentStatusConfirmed {
		return paymentdomain.Payment{}, publicinvoicedomain.ErrPaymentAlreadySettled
	}

	existing.Type = paymentdomain.PaymentTypeCrypto
	existing.Status = paymentdomain.PaymentStatusPending
	existing.Amount = amount
	existing.Currency = target.Asset
	existing.Chain = target.Chain
	existing.Asset = target.Asset
	existing.ToAddress = target.Address
	existing.CheckoutSessionID = nil
	existing.PaymentIntentID = nil
	existing.TxHash = nil
	existing.FromAddress = ""
	existing.Confirmations = 0
	existing.FailureReason = ""
	existing.FailedAt = nil
	if err := s.paymentRepo.Save(ctx, tx, existing, now); err != nil {
		return paymentdomain.Payment{}, fmt.Errorf("update payment: %w", err)
	}
	return *existing, nil
}

func buildPaymentView(
	row *publicinvoicedomain.InvoiceRecord,
	items []publicinvoicedomain.InvoiceItemRecord,
) publicinvoicedomain.PaymentView {
	viewItems := make([]publicinvoicedomain.PaymentViewItem, 0, len(items))
	for _, item := range items {
		viewItems = append(viewItems, publicinvoicedomain.PaymentViewItem{
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Amount:      item.Amount,
		})
	}

	return publicinvoicedomain.PaymentView{
		InvoiceID:     row.ID.String(),
		InvoiceNumber: row.InvoiceNumber,
		Status:        strings.ToLower(strings.TrimSpace(row.Status)),
		Currency:      strings.ToUpper(row.Currency),
		Subtotal:      row.Subtotal,
		Tax:           row.Tax,
		Total:         row.Total,
		IssueDate:     formatTimeRFC3339(row.IssuedAt),
		DueDate:       formatTimeRFC3339(row.DueAt),
		Merchant: publicinvoicedomain.PaymentParty{
			Name:  row.MerchantName,
			Email: row.MerchantEmail,
		},
		Client: publicinvoicedomain.PaymentParty{
			Name:    row.ClientName,
			Email:   row.ClientEmail,
			Company: row.ClientCompany,
		},
		Items: viewItems,
		Methods: publicinvoicedomain.PaymentMethods{
			Card:   row.CardEnabled && row.MerchantCardEnabled,
			Crypto: row.CryptoEnabled && row.MerchantCryptoEnabled,
		},
	}
}

// allowed treats an empty allow-list as "everything".
func allowed(list []string, value string) bool {
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

func formatTimeRFC3339(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
