package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	fxratedomain "github.com/smallbiznis/freelancepay/internal/fxrate/domain"
	ledgerdomain "github.com/smallbiznis/freelancepay/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/freelancepay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Rates      fxratedomain.Provider
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	rates      fxratedomain.Provider
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		rates:      p.Rates,
		obsMetrics: p.ObsMetrics,
	}
}

// RecordIncome inserts the entry for a payment unless one exists. The bool
// reports whether this call created it.
func (s *Service) RecordIncome(
	ctx context.Context,
	tx *gorm.DB,
	req ledgerdomain.RecordIncomeRequest,
) (ledgerdomain.LedgerEntry, bool, error) {
	if err := validate(req); err != nil {
		return ledgerdomain.LedgerEntry{}, false, err
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	target := strings.ToUpper(strings.TrimSpace(req.TargetCurrency))
	if target == "" {
		target = currency
	}

	rate, err := s.rates.Rate(ctx, currency, target, req.OccurredAt)
	if err != nil {
		return ledgerdomain.LedgerEntry{}, false, fmt.Errorf("fx rate %s->%s: %w", currency, target, err)
	}

	entry := ledgerdomain.LedgerEntry{
		ID:                s.genID.Generate(),
		UserID:            req.UserID,
		PaymentID:         req.PaymentID,
		InvoiceID:         req.InvoiceID,
		ClientID:          req.ClientID,
		ProjectID:         req.ProjectID,
		PaymentMethod:     req.PaymentMethod,
		Amount:            req.Amount,
		Currency:          currency,
		ConvertedAmount:   req.Amount.Mul(rate).Round(2),
		ConvertedCurrency: target,
		FXRate:            rate,
		OccurredAt:        req.OccurredAt.UTC(),
	}

	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "payment_id"}},
			DoNothing: true,
		}).
		Create(&entry)
	if result.Error != nil {
		return ledgerdomain.LedgerEntry{}, false, result.Error
	}

	if result.RowsAffected == 0 {
		existing, err := s.FindByPaymentID(ctx, tx, req.PaymentID)
		if err != nil {
			return ledgerdomain.LedgerEntry{}, false, err
		}
		if existing == nil {
			return ledgerdomain.LedgerEntry{}, false, fmt.Errorf("ledger entry for payment %s vanished after conflict", req.PaymentID)
		}
		s.log.Info("ledger entry already recorded", zap.String("payment_id", req.PaymentID.String()))
		return *existing, false, nil
	}

	s.obsMetrics.RecordLedgerEntry(ctx, string(req.PaymentMethod))
	s.log.Info("ledger entry recorded",
		zap.String("payment_id", req.PaymentID.String()),
		zap.String("invoice_id", req.InvoiceID.String()),
		zap.String("amount", entry.Amount.String()),
		zap.String("currency", entry.Currency),
		zap.String("converted_currency", entry.ConvertedCurrency),
	)
	return entry, true, nil
}

func (s *Service) FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*ledgerdomain.LedgerEntry, error) {
	var rows []ledgerdomain.LedgerEntry
	if err := db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func validate(req ledgerdomain.RecordIncomeRequest) error {
	switch {
	case req.UserID == 0:
		return ledgerdomain.ErrInvalidUser
	case req.PaymentID == 0:
		return ledgerdomain.ErrInvalidPayment
	case req.InvoiceID == 0:
		return ledgerdomain.ErrInvalidInvoice
	case !req.Amount.IsPositive():
		return ledgerdomain.ErrInvalidAmount
	case strings.TrimSpace(req.Currency) == "":
		return ledgerdomain.ErrInvalidCurrency
	case req.OccurredAt.IsZero():
		return ledgerdomain.ErrInvalidOccurredAt
	}
	switch req.PaymentMethod {
	case ledgerdomain.PaymentMethodCard, ledgerdomain.PaymentMethodCrypto:
		return nil
	default:
		return ledgerdomain.ErrInvalidMethod
	}
}
