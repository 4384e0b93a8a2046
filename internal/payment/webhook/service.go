package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/freelancepay/internal/clock"
	"github.com/smallbiznis/freelancepay/internal/config"
	fxratedomain "github.com/smallbiznis/freelancepay/internal/fxrate/domain"
	obscontext "github.com/smallbiznis/freelancepay/internal/observability/context"
	obslogger "github.com/smallbiznis/freelancepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/freelancepay/internal/observability/metrics"
	"github.com/smallbiznis/freelancepay/internal/payment/adapters/chaintransfer"
	paymentstripe "github.com/smallbiznis/freelancepay/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
	"github.com/smallbiznis/freelancepay/internal/payment/idempotency"
	"github.com/smallbiznis/freelancepay/internal/payment/settlement"
	"github.com/smallbiznis/freelancepay/internal/payment/verifier"
	walletdomain "github.com/smallbiznis/freelancepay/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Result is what a webhook delivery amounted to. Retryable is set only for
// failures a redelivery could fix.
type Result struct {
	Received         bool   `json:"received"`
	Processed        bool   `json:"processed"`
	AlreadyProcessed bool   `json:"already_processed,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Retryable        bool   `json:"-"`
}

const (
	ReasonIgnored           = "ignored"
	ReasonUnknownRecipient  = "unknown_recipient"
	ReasonUnmatchedTransfer = "unmatched_transfer"
	ReasonNoTransfers       = "no_transfers"
)

type Params struct {
	fx.In

	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Stripe      *paymentstripe.Adapter
	Chain       *chaintransfer.Adapter
	Gatekeeper  *idempotency.Gatekeeper
	Verifier    *verifier.Verifier
	Settlement  *settlement.Service
	PaymentRepo paymentdomain.Repository
	Wallets     walletdomain.Service
	Rates       fxratedomain.Provider
	Settings    *config.SettlementConfigHolder
	Metrics     *obsmetrics.WebhookMetrics `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	stripe      *paymentstripe.Adapter
	chain       *chaintransfer.Adapter
	gatekeeper  *idempotency.Gatekeeper
	verifier    *verifier.Verifier
	settlement  *settlement.Service
	paymentRepo paymentdomain.Repository
	wallets     walletdomain.Service
	rates       fxratedomain.Provider
	settings    *config.SettlementConfigHolder
	metrics     *obsmetrics.WebhookMetrics
	obsMetrics  *obsmetrics.Metrics
	timeout     time.Duration
}

func NewService(p Params) *Service {
	timeout := p.Cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.webhook"),
		clock:       p.Clock,
		stripe:      p.Stripe,
		chain:       p.Chain,
		gatekeeper:  p.Gatekeeper,
		verifier:    p.Verifier,
		settlement:  p.Settlement,
		paymentRepo: p.PaymentRepo,
		wallets:     p.Wallets,
		rates:       p.Rates,
		settings:    p.Settings,
		metrics:     p.Metrics,
		obsMetrics:  p.ObsMetrics,
		timeout:     timeout,
	}
}

// HandleStripe verifies and applies a card processor event. Signature and
// payload problems are returned as errors; everything else is a Result.
func (s *Service) HandleStripe(ctx context.Context, payload []byte, headers http.Header) (Result, error) {
	const provider = paymentdomain.ProviderStripe
	start := time.Now()
	defer func() { s.metrics.ObserveDuration(provider, time.Since(start)) }()

	ctx, cancel := context.WithTimeout(obscontext.WithProvider(ctx, provider), s.timeout)
	defer cancel()
	log := obslogger.WithContext(ctx, s.log)

	if err := s.stripe.Verify(ctx, payload, headers); err != nil {
		return s.reject(log, provider, err)
	}
	event, err := s.stripe.Parse(ctx, payload)
	if err != nil {
		return s.reject(log, provider, err)
	}
	log = obslogger.WithWebhookEvent(log, provider, event.EventID, event.EventType)
	s.obsMetrics.RecordPaymentEvent(ctx, provider, event.EventType)

	if event.Kind == paymentdomain.OutcomeUnhandled {
		log.Debug("card event ignored")
		s.metrics.IncReceived(provider, obsmetrics.WebhookOutcomeIgnored)
		return Result{Received: true, Reason: ReasonIgnored}, nil
	}

	outcome, err := s.gatekeeper.ProcessOnce(ctx, provider, event.EventID, event.EventType,
		func(ctx context.Context, tx *gorm.DB) (idempotency.Result, error) {
			return s.applyCardEvent(ctx, tx, event)
		})
	if err != nil {
		return s.fail(log, provider, err)
	}

	res := s.finish(ctx, log, provider, paymentdomain.PaymentTypeFiat, outcome)
	log.Info("card event handled",
		zap.String("invoice_id", event.InvoiceID.String()),
		zap.Bool("processed", res.Processed),
		zap.Bool("already_processed", res.AlreadyProcessed),
		zap.String("reason", res.Reason),
	)
	return res, nil
}

func (s *Service) applyCardEvent(ctx context.Context, tx *gorm.DB, event *paymentdomain.CardEvent) (idempotency.Result, error) {
	var (
		transition paymentdomain.Transition
		err        error
	)
	switch event.Kind {
	case paymentdomain.OutcomePaymentSuccess:
		amount, currency := event.Amount, event.Currency
		if !amount.IsPositive() || currency == "" {
			amount, currency, err = invoiceAmount(ctx, tx, event)
			if err != nil {
				return idempotency.Result{}, err
			}
		}
		transition, err = s.settlement.ApplySuccess(ctx, tx, paymentdomain.SuccessOutcome{
			InvoiceID:         event.InvoiceID,
			Type:              paymentdomain.PaymentTypeFiat,
			Amount:            amount,
			Currency:          currency,
			CheckoutSessionID: event.SessionID,
			PaymentIntentID:   event.PaymentIntentID,
			OccurredAt:        event.OccurredAt,
		})
	case paymentdomain.OutcomePaymentFailure:
		transition, err = s.settlement.ApplyFailure(ctx, tx, paymentdomain.FailureOutcome{
			InvoiceID:         event.InvoiceID,
			Type:              paymentdomain.PaymentTypeFiat,
			Reason:            event.FailureReason,
			CheckoutSessionID: event.SessionID,
			PaymentIntentID:   event.PaymentIntentID,
			OccurredAt:        event.OccurredAt,
		})
	default:
		return idempotency.Result{Reason: ReasonIgnored}, nil
	}
	if err != nil {
		return idempotency.Result{}, err
	}
	return idempotency.Result{
		Processed:  transition.Applied,
		Reason:     transition.Reason,
		Transition: &transition,
	}, nil
}

// invoiceAmount falls back to the invoice total for events that carry no
// amount.
func invoiceAmount(ctx context.Context, tx *gorm.DB, event *paymentdomain.CardEvent) (decimal.Decimal, string, error) {
	var row struct {
		Total    decimal.Decimal
		Currency string
	}
	if err := tx.WithContext(ctx).Raw(
		`SELECT total, currency FROM invoices WHERE id = ?`, event.InvoiceID,
	).Scan(&row).Error; err != nil {
		return decimal.Zero, "", fmt.Errorf("load invoice amount: %w", err)
	}
	return row.Total, row.Currency, nil
}

// HandleChain verifies a chain notification and settles every transfer it
// can match to an invoice.
func (s *Service) HandleChain(ctx context.Context, payload []byte, headers http.Header) (Result, error) {
	const provider = paymentdomain.ProviderChain
	start := time.Now()
	defer func() { s.metrics.ObserveDuration(provider, time.Since(start)) }()

	ctx, cancel := context.WithTimeout(obscontext.WithProvider(ctx, provider), s.timeout)
	defer cancel()
	log := obslogger.WithContext(ctx, s.log)

	skipped, err := s.chain.Verify(ctx, payload, headers)
	if err != nil {
		return s.reject(log, provider, err)
	}
	if skipped {
		log.Warn("chain webhook signature not verified: no signing key configured")
		s.metrics.IncSignatureSkipped(provider)
	}

	note, err := s.chain.Parse(ctx, payload)
	if err != nil {
		return s.reject(log, provider, err)
	}
	note.SignatureSkipped = skipped
	log = obslogger.WithWebhookEvent(log, provider, note.EventID, note.EventType)
	s.obsMetrics.RecordPaymentEvent(ctx, provider, note.EventType)

	if len(note.Transfers) == 0 {
		s.metrics.IncReceived(provider, obsmetrics.WebhookOutcomeIgnored)
		return Result{Received: true, Reason: ReasonNoTransfers}, nil
	}

	res := Result{Received: true, AlreadyProcessed: true}
	for _, transfer := range note.Transfers {
		one, err := s.handleTransfer(ctx, log, note, transfer)
		if err != nil {
			return s.fail(log, provider, err)
		}
		res.Processed = res.Processed || one.Processed
		res.AlreadyProcessed = res.AlreadyProcessed && one.AlreadyProcessed
		if res.Reason == "" {
			res.Reason = one.Reason
		}
	}
	if res.Processed {
		res.Reason = ""
	}
	return res, nil
}

func (s *Service) handleTransfer(
	ctx context.Context,
	log *zap.Logger,
	note *paymentdomain.ChainNotification,
	transfer paymentdomain.ChainTransfer,
) (Result, error) {
	const provider = paymentdomain.ProviderChain
	log = log.With(
		zap.String("chain", transfer.Chain),
		zap.String("tx_hash", transfer.TxHash),
		zap.String("asset", transfer.Asset),
	)

	match, reason, err := s.match(ctx, transfer)
	if err != nil {
		return Result{}, err
	}
	if match == nil {
		log.Info("chain transfer not matched", zap.String("reason", reason))
		s.metrics.IncReceived(provider, obsmetrics.WebhookOutcomeIgnored)
		return Result{Received: true, Reason: reason}, nil
	}
	log = obslogger.WithInvoice(log, match.InvoiceID.String())

	verification, err := s.verifier.Verify(ctx, verifier.VerifyRequest{
		TxHash:            transfer.TxHash,
		Chain:             transfer.Chain,
		ExpectedAmount:    match.ExpectedAmount,
		ExpectedToAddress: match.ToAddress,
		ExpectedAsset:     match.Asset,
	})
	if err != nil {
		return Result{}, fmt.Errorf("verify transaction: %w", err)
	}
	verificationLabel := "verified"
	if !verification.Verified {
		verificationLabel = string(verification.Failure)
	}
	s.metrics.IncVerification(transfer.Chain, verificationLabel)

	key := transferKey(note.EventID, transfer)
	outcome, err := s.gatekeeper.ProcessOnce(ctx, provider, key, note.EventType,
		func(ctx context.Context, tx *gorm.DB) (idempotency.Result, error) {
			return s.applyVerification(ctx, tx, match, transfer, verification)
		})
	if err != nil {
		return Result{}, err
	}

	res := s.finish(ctx, log, provider, paymentdomain.PaymentTypeCrypto, outcome)
	log.Info("chain transfer handled",
		zap.Bool("verified", verification.Verified),
		zap.String("failure", string(verification.Failure)),
		zap.Int64("confirmations", verification.Transaction.Confirmations),
		zap.Int64("required_confirmations", verification.RequiredConfirmations),
		zap.Bool("processed", res.Processed),
		zap.Bool("already_processed", res.AlreadyProcessed),
	)
	return res, nil
}

func (s *Service) applyVerification(
	ctx context.Context,
	tx *gorm.DB,
	match *Match,
	transfer paymentdomain.ChainTransfer,
	verification verifier.VerificationResult,
) (idempotency.Result, error) {
	switch {
	case verification.Verified:
		observed := verification.Transaction
		from := observed.From
		if from == "" {
			from = transfer.FromAddress
		}
		transition, err := s.settlement.ApplySuccess(ctx, tx, paymentdomain.SuccessOutcome{
			InvoiceID:     match.InvoiceID,
			Type:          paymentdomain.PaymentTypeCrypto,
			Amount:        observed.Amount,
			Currency:      match.Asset,
			TxHash:        transfer.TxHash,
			Chain:         transfer.Chain,
			Asset:         match.Asset,
			ToAddress:     match.ToAddress,
			FromAddress:   from,
			Confirmations: observed.Confirmations,
		})
		if err != nil {
			return idempotency.Result{}, err
		}
		return idempotency.Result{Processed: transition.Applied, Reason: transition.Reason, Transition: &transition}, nil

	case verification.Failure.Pending():
		// Not final yet; leave no marker so a redelivery checks again.
		return idempotency.Result{Reason: string(verification.Failure), Deferred: true}, nil

	case verification.Failure == verifier.FailureTransactionFailed:
		transition, err := s.settlement.ApplyFailure(ctx, tx, paymentdomain.FailureOutcome{
			InvoiceID: match.InvoiceID,
			Type:      paymentdomain.PaymentTypeCrypto,
			Reason:    string(verification.Failure),
			TxHash:    transfer.TxHash,
		})
		if err != nil {
			return idempotency.Result{}, err
		}
		return idempotency.Result{Reason: string(verification.Failure), Transition: &transition}, nil

	default:
		// Mismatches leave the payment pending; the payer may still send
		// the right transfer.
		return idempotency.Result{Reason: string(verification.Failure)}, nil
	}
}

func (s *Service) finish(
	ctx context.Context,
	log *zap.Logger,
	provider string,
	paymentType paymentdomain.PaymentType,
	outcome idempotency.Outcome,
) Result {
	res := Result{
		Received:         true,
		Processed:        outcome.Result.Processed,
		AlreadyProcessed: outcome.AlreadyProcessed,
		Reason:           outcome.Result.Reason,
	}

	switch {
	case outcome.AlreadyProcessed:
		s.metrics.IncReceived(provider, obsmetrics.WebhookOutcomeAlreadyProcessed)
		return res
	case outcome.Result.Deferred:
		s.metrics.IncReceived(provider, obsmetrics.WebhookOutcomeDeferred)
	case outcome.Result.Processed:
		s.metrics.IncReceived(provider, obsmetrics.WebhookOutcomeProcessed)
	default:
		s.metrics.IncReceived(provider, obsmetrics.WebhookOutcomeIgnored)
	}

	if t := outcome.Result.Transition; t != nil {
		settled := "noop"
		if t.Applied {
			settled = string(t.To)
			s.metrics.IncTransition(string(t.From), string(t.To))
		}
		s.obsMetrics.RecordSettlement(ctx, string(paymentType), settled)
		if t.Applied && t.To == paymentdomain.PaymentStatusConfirmed {
			log.Info("invoice paid",
				zap.String("payment_id", t.PaymentID.String()),
				zap.String("ledger_entry_id", t.LedgerEntryID.String()),
			)
		}
	}
	return res
}

// reject refuses a delivery before any work. Only a missing secret is
// retryable: the same delivery succeeds once the secret is configured.
func (s *Service) reject(log *zap.Logger, provider string, err error) (Result, error) {
	s.metrics.IncReceived(provider, obsmetrics.WebhookOutcomeRejected)
	switch {
	case errors.Is(err, paymentdomain.ErrWebhookSecretMissing):
		log.Error("webhook secret not configured")
		return Result{Retryable: true}, err
	case errors.Is(err, paymentdomain.ErrSignatureMissing), errors.Is(err, paymentdomain.ErrSignatureVerificationFailed):
		log.Warn("webhook signature rejected", zap.Error(err))
	default:
		log.Warn("webhook payload rejected", zap.Error(err))
	}
	return Result{}, err
}

func (s *Service) fail(log *zap.Logger, provider string, err error) (Result, error) {
	s.metrics.IncReceived(provider, obsmetrics.WebhookOutcomeFailed)
	s.metrics.IncError(provider, err)
	log.Error("webhook processing failed", zap.Error(err))
	return Result{Retryable: true}, err
}

func transferKey(eventID string, transfer paymentdomain.ChainTransfer) string {
	return fmt.Sprintf("%s:%s:%d", eventID, transfer.TxHash, transfer.LogIndex)
}
