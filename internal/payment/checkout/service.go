// Package checkout opens card checkout sessions for public payment pages.
package checkout

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/freelancepay/internal/clock"
	"github.com/smallbiznis/freelancepay/internal/config"
	invoicedomain "github.com/smallbiznis/freelancepay/internal/invoice/domain"
	paymentstripe "github.com/smallbiznis/freelancepay/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
	publicinvoicedomain "github.com/smallbiznis/freelancepay/internal/publicinvoice/domain"
	"github.com/smallbiznis/freelancepay/internal/ratelimit"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	lockKeyCheckout = "checkout:invoice:%s"
	lockTTL         = 30 * time.Second
)

// SessionAPI is the part of the processor's Checkout Sessions API in use.
type SessionAPI interface {
	New(params *stripego.CheckoutSessionParams) (*stripego.CheckoutSession, error)
	Get(id string, params *stripego.CheckoutSessionParams) (*stripego.CheckoutSession, error)
}

// ProvideSessionAPI returns nil when no secret key is configured.
func ProvideSessionAPI(cfg config.Config) SessionAPI {
	key := strings.TrimSpace(cfg.Stripe.SecretKey)
	if key == "" {
		return nil
	}
	return &session.Client{B: stripego.GetBackend(stripego.APIBackend), Key: key}
}

// Session is what the payment page needs to redirect the payer.
type Session struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	InvoiceID string `json:"invoice_id"`
	PaymentID string `json:"payment_id"`
	Reused    bool   `json:"reused"`
}

type Params struct {
	fx.In

	Cfg            config.Config
	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	PublicInvoices publicinvoicedomain.Service
	PaymentRepo    paymentdomain.Repository
	Sessions       SessionAPI        `optional:"true"`
	Locker         *ratelimit.Locker `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	publicInvoices publicinvoicedomain.Service
	paymentRepo    paymentdomain.Repository
	sessions       SessionAPI
	locker         *ratelimit.Locker
	baseURL        string
}

func NewService(p Params) *Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("payment.checkout"),
		genID:          p.GenID,
		clock:          p.Clock,
		publicInvoices: p.PublicInvoices,
		paymentRepo:    p.PaymentRepo,
		sessions:       p.Sessions,
		locker:         p.Locker,
		baseURL:        strings.TrimRight(p.Cfg.PublicBaseURL, "/"),
	}
}

// CreateSession opens a checkout session for the invoice behind token and
// records it on a pending fiat payment. An open session is reused.
func (s *Service) CreateSession(ctx context.Context, token string) (*Session, error) {
	result, err := s.publicInvoices.ValidatePaymentToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, result.Reason.Err()
	}
	row := result.Invoice
	if !row.CardEnabled || !row.MerchantCardEnabled {
		return nil, paymentdomain.ErrCardPaymentDisabled
	}
	if s.sessions == nil {
		return nil, paymentdomain.ErrCheckoutUnavailable
	}

	release, err := s.lock(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := s.paymentRepo.FindByInvoiceID(ctx, s.db, row.ID)
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	if existing != nil && existing.Status == paymentdomain.PaymentStatusConfirmed {
		return nil, publicinvoicedomain.ErrPaymentAlreadySettled
	}
	if reused := s.openSession(ctx, existing); reused != nil {
		return reused, nil
	}

	currency := strings.ToUpper(strings.TrimSpace(row.Currency))
	params := &stripego.CheckoutSessionParams{
		Mode:              stripego.String(string(stripego.CheckoutSessionModePayment)),
		ClientReferenceID: stripego.String(row.ID.String()),
		SuccessURL:        stripego.String(s.returnURL(token, "success") + "&session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripego.String(s.returnURL(token, "cancelled")),
		LineItems: []*stripego.CheckoutSessionLineItemParams{{
			Quantity: stripego.Int64(1),
			PriceData: &stripego.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripego.String(strings.ToLower(currency)),
				UnitAmount: stripego.Int64(paymentstripe.ToMinorUnits(row.Total, currency)),
				ProductData: &stripego.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripego.String(fmt.Sprintf("Invoice %s", row.InvoiceNumber)),
				},
			},
		}},
		PaymentIntentData: &stripego.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{paymentstripe.MetadataInvoiceID: row.ID.String()},
		},
	}
	if email := strings.TrimSpace(row.ClientEmail); email != "" {
		params.CustomerEmail = stripego.String(email)
	}
	params.AddMetadata(paymentstripe.MetadataInvoiceID, row.ID.String())
	params.SetIdempotencyKey(uuid.NewString())
	params.Context = ctx

	created, err := s.sessions.New(params)
	if err != nil {
		s.log.Error("create checkout session failed", zap.String("invoice_id", row.ID.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", paymentdomain.ErrCheckoutUnavailable, err)
	}

	var payment paymentdomain.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		payment, err = s.upsertPendingFiat(ctx, tx, row, created.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("checkout session created",
		zap.String("invoice_id", row.ID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.String("session_id", created.ID),
	)

	return &Session{
		SessionID: created.ID,
		URL:       created.URL,
		InvoiceID: row.ID.String(),
		PaymentID: payment.ID.String(),
	}, nil
}

func (s *Service) lock(ctx context.Context, invoiceID snowflake.ID) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	key := fmt.Sprintf(lockKeyCheckout, invoiceID)
	lease, ok, err := s.locker.Acquire(ctx, key, lockTTL)
	if err != nil {
		s.log.Warn("checkout lock unavailable", zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		return nil, paymentdomain.ErrCheckoutInProgress
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release checkout lock failed", zap.Error(err))
		}
	}, nil
}

func (s *Service) openSession(ctx context.Context, existing *paymentdomain.Payment) *Session {
	if existing == nil || existing.Type != paymentdomain.PaymentTypeFiat ||
		existing.Status != paymentdomain.PaymentStatusPending || existing.CheckoutSessionID == nil {
		return nil
	}
	params := &stripego.CheckoutSessionParams{}
	params.Context = ctx
	current, err := s.sessions.Get(*existing.CheckoutSessionID, params)
	if err != nil {
		s.log.Warn("load checkout session failed", zap.String("session_id", *existing.CheckoutSessionID), zap.Error(err))
		return nil
	}
	if current.Status != stripego.CheckoutSessionStatusOpen || current.URL == "" {
		return nil
	}
	return &Session{
		SessionID: current.ID,
		URL:       current.URL,
		InvoiceID: existing.InvoiceID.String(),
		PaymentID: existing.ID.String(),
		Reused:    true,
	}
}

func (s *Service) upsertPendingFiat(
	ctx context.Context,
	tx *gorm.DB,
	row *publicinvoicedomain.InvoiceRecord,
	sessionID string,
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
	currency := strings.ToUpper(strings.TrimSpace(row.Currency))
	existing, err := s.paymentRepo.FindByInvoiceID(ctx, tx, row.ID)
	if err != nil {
		return paymentdomain.Payment{}, fmt.Errorf("find payment: %w", err)
	}

	if existing == nil {
		payment := paymentdomain.Payment{
			ID:                s.genID.Generate(),
			InvoiceID:         row.ID,
			UserID:            row.UserID,
			Type:              paymentdomain.PaymentTypeFiat,
			Status:            paymentdomain.PaymentStatusPending,
			Amount:            row.Total,
			Currency:          currency,
			CheckoutSessionID: &sessionID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.paymentRepo.Insert(ctx, tx, &payment); err != nil {
			return paymentdomain.Payment{}, fmt.Errorf("insert payment: %w", err)
		}
		return payment, nil
	}

	if existing.Status == paymentdomain.PaymentStatusConfirmed {
		return paymentdomain.Payment{}, publicinvoicedomain.ErrPaymentAlreadySettled
	}

	// A failed or abandoned attempt starts over.
	existing.Type = paymentdomain.PaymentTypeFiat
	existing.Status = paymentdomain.PaymentStatusPending
	existing.Amount = row.Total
	existing.Currency = currency
	existing.CheckoutSessionID = &sessionID
	existing.PaymentIntentID = nil
	existing.TxHash = nil
	existing.Chain = ""
	existing.Asset = ""
	existing.ToAddress = ""
	existing.FromAddress = ""
	existing.Confirmations = 0
	existing.FailureReason = ""
	existing.FailedAt = nil
	if err := s.paymentRepo.Save(ctx, tx, existing, now); err != nil {
		return paymentdomain.Payment{}, fmt.Errorf("update payment: %w", err)
	}
	return *existing, nil
}

func (s *Service) returnURL(token, status string) string {
	return fmt.Sprintf("%s/pay/%s?status=%s", s.baseURL, url.PathEscape(strings.TrimSpace(token)), status)
}
