package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/freelancepay/internal/clock"
	invoicedomain "github.com/smallbiznis/freelancepay/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/freelancepay/internal/ledger/domain"
	merchantdomain "github.com/smallbiznis/freelancepay/internal/merchant/domain"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	PaymentRepo  paymentdomain.Repository
	MerchantRepo merchantdomain.Repository
	Ledger       ledgerdomain.Service
}

// Service moves payments to confirmed or failed and books income. Every
// method runs on the caller's transaction.
type Service struct {
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	paymentRepo  paymentdomain.Repository
	merchantRepo merchantdomain.Repository
	ledger       ledgerdomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		log:          p.Log.Named("payment.settlement"),
		genID:        p.GenID,
		clock:        p.Clock,
		paymentRepo:  p.PaymentRepo,
		merchantRepo: p.MerchantRepo,
		ledger:       p.Ledger,
	}
}

// ApplySuccess confirms the invoice payment, marks the invoice paid and
// records one ledger entry. A paid invoice is left alone.
func (s *Service) ApplySuccess(ctx context.Context, tx *gorm.DB, outcome paymentdomain.SuccessOutcome) (paymentdomain.Transition, error) {
	if err := validateSuccess(&outcome); err != nil {
		return paymentdomain.Transition{}, err
	}

	var transition paymentdomain.Transition
	err := tx.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		transition, err = s.applySuccess(ctx, tx, outcome)
		return err
	})
	if err != nil {
		return paymentdomain.Transition{}, err
	}
	return transition, nil
}

func (s *Service) applySuccess(ctx context.Context, tx *gorm.DB, outcome paymentdomain.SuccessOutcome) (paymentdomain.Transition, error) {
	invoice, err := lockInvoice(ctx, tx, outcome.InvoiceID)
	if err != nil {
		return paymentdomain.Transition{}, err
	}
	if invoice == nil {
		s.log.Warn("payment success for unknown invoice", zap.String("invoice_id", outcome.InvoiceID.String()))
		return noop(paymentdomain.TransitionReasonInvoiceNotFound), nil
	}
	if invoice.Status == invoicedomain.InvoiceStatusPaid || invoice.PaidAt != nil {
		s.log.Warn("payment success for already paid invoice",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("payment_type", string(outcome.Type)),
			zap.String("amount", outcome.Amount.String()),
			zap.String("currency", outcome.Currency),
		)
		return noop(paymentdomain.TransitionReasonAlreadyPaid), nil
	}
	if invoice.Status == invoicedomain.InvoiceStatusCancelled {
		s.log.Warn("payment success for cancelled invoice",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("amount", outcome.Amount.String()),
			zap.String("currency", outcome.Currency),
		)
		return noop(paymentdomain.TransitionReasonInvoiceCancelled), nil
	}

	existing, err := s.paymentRepo.FindByInvoiceID(ctx, tx, invoice.ID)
	if err != nil {
		return paymentdomain.Transition{}, fmt.Errorf("find payment: %w", err)
	}
	if existing != nil && existing.Status == paymentdomain.PaymentStatusConfirmed {
		return noop(paymentdomain.TransitionReasonAlreadyConfirmed), nil
	}

	now := s.clock.Now()
	occurredAt := outcome.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	payment := existing
	var from paymentdomain.PaymentStatus
	if payment == nil {
		payment = &paymentdomain.Payment{
			ID:        s.genID.Generate(),
			InvoiceID: invoice.ID,
			UserID:    invoice.UserID,
			CreatedAt: now,
		}
	} else {
		from = payment.Status
	}

	applySuccessFields(payment, outcome, occurredAt)
	payment.UpdatedAt = now

	if existing == nil {
		if err := s.paymentRepo.Insert(ctx, tx, payment); err != nil {
			return paymentdomain.Transition{}, fmt.Errorf("insert payment: %w", err)
		}
	} else if err := s.paymentRepo.Save(ctx, tx, payment, now); err != nil {
		return paymentdomain.Transition{}, fmt.Errorf("update payment: %w", err)
	}

	if err := tx.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, paid_at = ?, updated_at = ? WHERE id = ?`,
		invoicedomain.InvoiceStatusPaid, occurredAt, now, invoice.ID,
	).Error; err != nil {
		return paymentdomain.Transition{}, fmt.Errorf("mark invoice paid: %w", err)
	}

	merchant, err := s.merchantRepo.FindByID(ctx, tx, invoice.UserID)
	if err != nil {
		return paymentdomain.Transition{}, fmt.Errorf("find merchant: %w", err)
	}
	if merchant == nil {
		return paymentdomain.Transition{}, merchantdomain.ErrMerchantNotFound
	}

	entry, _, err := s.ledger.RecordIncome(ctx, tx, ledgerdomain.RecordIncomeRequest{
		UserID:         invoice.UserID,
		PaymentID:      payment.ID,
		InvoiceID:      invoice.ID,
		ClientID:       invoice.ClientID,
		ProjectID:      invoice.ProjectID,
		PaymentMethod:  paymentMethod(payment.Type),
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		TargetCurrency: merchant.DefaultCurrency,
		OccurredAt:     occurredAt,
	})
	if err != nil {
		return paymentdomain.Transition{}, fmt.Errorf("record income: %w", err)
	}

	payment.LedgerEntryID = &entry.ID
	if err := s.paymentRepo.Save(ctx, tx, payment, now); err != nil {
		return paymentdomain.Transition{}, fmt.Errorf("link ledger entry: %w", err)
	}

	s.log.Info("payment settled",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.String("ledger_entry_id", entry.ID.String()),
		zap.String("payment_type", string(payment.Type)),
		zap.String("amount", payment.Amount.String()),
		zap.String("currency", payment.Currency),
		zap.String("from", string(from)),
	)

	return paymentdomain.Transition{
		Applied:       true,
		From:          from,
		To:            paymentdomain.PaymentStatusConfirmed,
		PaymentID:     payment.ID,
		LedgerEntryID: entry.ID,
	}, nil
}

// ApplyFailure marks the invoice payment failed. Confirmed payments and the
// invoice itself are never touched.
func (s *Service) ApplyFailure(ctx context.Context, tx *gorm.DB, outcome paymentdomain.FailureOutcome) (paymentdomain.Transition, error) {
	if outcome.InvoiceID == 0 {
		return paymentdomain.Transition{}, paymentdomain.ErrInvalidInvoice
	}
	if err := validateType(outcome.Type); err != nil {
		return paymentdomain.Transition{}, err
	}

	var transition paymentdomain.Transition
	err := tx.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		transition, err = s.applyFailure(ctx, tx, outcome)
		return err
	})
	if err != nil {
		return paymentdomain.Transition{}, err
	}
	return transition, nil
}

func (s *Service) applyFailure(ctx context.Context, tx *gorm.DB, outcome paymentdomain.FailureOutcome) (paymentdomain.Transition, error) {
	invoice, err := lockInvoice(ctx, tx, outcome.InvoiceID)
	if err != nil {
		return paymentdomain.Transition{}, err
	}
	if invoice == nil {
		return noop(paymentdomain.TransitionReasonInvoiceNotFound), nil
	}

	existing, err := s.paymentRepo.FindByInvoiceID(ctx, tx, invoice.ID)
	if err != nil {
		return paymentdomain.Transition{}, fmt.Errorf("find payment: %w", err)
	}
	if existing != nil && existing.Status == paymentdomain.PaymentStatusConfirmed {
		return noop(paymentdomain.TransitionReasonAlreadyConfirmed), nil
	}
	if existing != nil && stale(existing, outcome) {
		s.log.Info("ignoring failure of a superseded attempt",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("payment_id", existing.ID.String()),
		)
		return noop(paymentdomain.TransitionReasonStaleAttempt), nil
	}

	now := s.clock.Now()
	failedAt := outcome.OccurredAt
	if failedAt.IsZero() {
		failedAt = now
	}
	reason := strings.TrimSpace(outcome.Reason)
	if reason == "" {
		reason = "payment_failed"
	}

	payment := existing
	var from paymentdomain.PaymentStatus
	if payment == nil {
		payment = &paymentdomain.Payment{
			ID:        s.genID.Generate(),
			InvoiceID: invoice.ID,
			UserID:    invoice.UserID,
			Type:      outcome.Type,
			Amount:    invoice.Total,
			Currency:  strings.ToUpper(invoice.Currency),
			CreatedAt: now,
		}
	} else {
		from = payment.Status
	}

	payment.Status = paymentdomain.PaymentStatusFailed
	payment.FailureReason = reason
	payment.FailedAt = &failedAt
	if id := strings.TrimSpace(outcome.CheckoutSessionID); id != "" {
		payment.CheckoutSessionID = &id
	}
	if id := strings.TrimSpace(outcome.PaymentIntentID); id != "" {
		payment.PaymentIntentID = &id
	}
	if hash := strings.TrimSpace(outcome.TxHash); hash != "" {
		payment.TxHash = &hash
	}
	payment.UpdatedAt = now

	if existing == nil {
		if err := s.paymentRepo.Insert(ctx, tx, payment); err != nil {
			return paymentdomain.Transition{}, fmt.Errorf("insert payment: %w", err)
		}
	} else if err := s.paymentRepo.Save(ctx, tx, payment, now); err != nil {
		return paymentdomain.Transition{}, fmt.Errorf("update payment: %w", err)
	}

	s.log.Info("payment failed",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.String("reason", reason),
	)

	return paymentdomain.Transition{
		Applied:   true,
		From:      from,
		To:        paymentdomain.PaymentStatusFailed,
		PaymentID: payment.ID,
		Reason:    reason,
	}, nil
}

func lockInvoice(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock invoice: %w", err)
	}
	return &invoice, nil
}

func applySuccessFields(payment *paymentdomain.Payment, outcome paymentdomain.SuccessOutcome, confirmedAt time.Time) {
	payment.Type = outcome.Type
	payment.Status = paymentdomain.PaymentStatusConfirmed
	payment.Amount = outcome.Amount
	payment.Currency = outcome.Currency
	payment.FailureReason = ""
	payment.FailedAt = nil
	payment.ConfirmedAt = &confirmedAt

	if outcome.Type == paymentdomain.PaymentTypeFiat {
		if id := strings.TrimSpace(outcome.CheckoutSessionID); id != "" {
			payment.CheckoutSessionID = &id
		}
		if id := strings.TrimSpace(outcome.PaymentIntentID); id != "" {
			payment.PaymentIntentID = &id
		}
		payment.TxHash = nil
		payment.Chain = ""
		payment.Asset = ""
		payment.ToAddress = ""
		payment.FromAddress = ""
		payment.Confirmations = 0
		return
	}

	hash := strings.ToLower(strings.TrimSpace(outcome.TxHash))
	payment.TxHash = &hash
	payment.CheckoutSessionID = nil
	payment.PaymentIntentID = nil
	payment.Chain = outcome.Chain
	payment.Asset = outcome.Asset
	payment.ToAddress = outcome.ToAddress
	payment.FromAddress = outcome.FromAddress
	payment.Confirmations = outcome.Confirmations
}

// stale reports whether a failure belongs to an attempt that has since been
// replaced, e.g. an expired checkout after the payer switched to crypto.
func stale(existing *paymentdomain.Payment, outcome paymentdomain.FailureOutcome) bool {
	if existing.Type != outcome.Type {
		return true
	}
	session := strings.TrimSpace(outcome.CheckoutSessionID)
	if session != "" && existing.CheckoutSessionID != nil && *existing.CheckoutSessionID != session {
		return true
	}
	hash := strings.TrimSpace(outcome.TxHash)
	if hash != "" && existing.TxHash != nil && !strings.EqualFold(*existing.TxHash, hash) {
		return true
	}
	return false
}

func validateSuccess(outcome *paymentdomain.SuccessOutcome) error {
	if outcome.InvoiceID == 0 {
		return paymentdomain.ErrInvalidInvoice
	}
	if err := validateType(outcome.Type); err != nil {
		return err
	}
	if !outcome.Amount.IsPositive() {
		return paymentdomain.ErrInvalidAmount
	}
	outcome.Currency = strings.ToUpper(strings.TrimSpace(outcome.Currency))
	if outcome.Currency == "" {
		return paymentdomain.ErrInvalidCurrency
	}
	if outcome.Type == paymentdomain.PaymentTypeCrypto {
		outcome.Chain = strings.ToLower(strings.TrimSpace(outcome.Chain))
		outcome.Asset = strings.ToUpper(strings.TrimSpace(outcome.Asset))
		if strings.TrimSpace(outcome.TxHash) == "" || outcome.Chain == "" {
			return paymentdomain.ErrInvalidPaymentType
		}
	}
	return nil
}

func validateType(t paymentdomain.PaymentType) error {
	switch t {
	case paymentdomain.PaymentTypeFiat, paymentdomain.PaymentTypeCrypto:
		return nil
	default:
		return paymentdomain.ErrInvalidPaymentType
	}
}

func paymentMethod(t paymentdomain.PaymentType) ledgerdomain.PaymentMethod {
	if t == paymentdomain.PaymentTypeCrypto {
		return ledgerdomain.PaymentMethodCrypto
	}
	return ledgerdomain.PaymentMethodCard
}

func noop(reason string) paymentdomain.Transition {
	return paymentdomain.Transition{Applied: false, Reason: reason}
}
