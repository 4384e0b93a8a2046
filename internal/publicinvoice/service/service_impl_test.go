package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/freelancepay/internal/clock"
	"github.com/smallbiznis/freelancepay/internal/config"
	invoicedomain "github.com/smallbiznis/freelancepay/internal/invoice/domain"
	merchantrepo "github.com/smallbiznis/freelancepay/internal/merchant/repository"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/freelancepay/internal/payment/repository"
	publicinvoicedomain "github.com/smallbiznis/freelancepay/internal/publicinvoice/domain"
	publicinvoicerepo "github.com/smallbiznis/freelancepay/internal/publicinvoice/repository"
	publicinvoiceservice "github.com/smallbiznis/freelancepay/internal/publicinvoice/service"
	"github.com/smallbiznis/freelancepay/internal/testutil"
	walletdomain "github.com/smallbiznis/freelancepay/internal/wallet/domain"
	"github.com/smallbiznis/freelancepay/internal/wallet/generator"
	walletrepo "github.com/smallbiznis/freelancepay/internal/wallet/repository"
	walletservice "github.com/smallbiznis/freelancepay/internal/wallet/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type staticRates map[string]decimal.Decimal

func (r staticRates) Rate(_ context.Context, from, to string, _ time.Time) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	return r[from+"/"+to], nil
}

type harness struct {
	db      *gorm.DB
	svc     publicinvoicedomain.Service
	wallets walletdomain.Service
	clock   *clock.FakeClock
}

func newHarness(t *testing.T) harness {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(now)
	settlement := config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig())

	wallets := walletservice.NewService(walletservice.Params{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        clk,
		Repo:         walletrepo.Provide(),
		Generator:    generator.New([]byte("seed")),
		Settlement:   settlement,
		MerchantRepo: merchantrepo.Provide(),
	})

	svc := publicinvoiceservice.New(publicinvoiceservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Repo:        publicinvoicerepo.Provide(),
		PaymentRepo: paymentrepo.Provide(),
		Wallets:     wallets,
		Settlement:  settlement,
		Rates:       staticRates{"EUR/USD": decimal.RequireFromString("1.10")},
	})
	return harness{db: db, svc: svc, wallets: wallets, clock: clk}
}

func TestValidatePaymentTokenNotFound(t *testing.T) {
	h := newHarness(t)
	testutil.SeedInvoice(t, h.db, testutil.NewNode(t), "tok_live")

	for _, token := range []string{"", "   ", "tok_unknown"} {
		result, err := h.svc.ValidatePaymentToken(context.Background(), token)
		require.NoError(t, err)
		assert.False(t, result.Valid, "token %q", token)
		assert.Equal(t, publicinvoicedomain.ReasonNotFound, result.Reason, "token %q", token)
		assert.Nil(t, result.View)
	}
}

func TestValidatePaymentTokenValid(t *testing.T) {
	h := newHarness(t)
	fixture := testutil.SeedInvoice(t, h.db, testutil.NewNode(t), "tok_live", testutil.WithTokenExpiry(now.Add(time.Hour)))

	result, err := h.svc.ValidatePaymentToken(context.Background(), "  tok_live ")
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.NotNil(t, result.View)

	view := result.View
	assert.Equal(t, fixture.Invoice.ID.String(), view.InvoiceID)
	assert.True(t, decimal.RequireFromString("100").Equal(view.Total))
	assert.Equal(t, "USD", view.Currency)
	assert.Equal(t, "Ana Studio", view.Merchant.Name)
	assert.Equal(t, "Bob Client", view.Client.Name)
	require.Len(t, view.Items, 1)
	assert.Equal(t, "Design work", view.Items[0].Description)
	assert.True(t, view.Methods.Card)
	assert.False(t, view.Methods.Crypto)
}

func TestValidatePaymentTokenReasonPriority(t *testing.T) {
	expired := now.Add(-time.Minute)
	cases := []struct {
		name   string
		opts   []testutil.InvoiceOption
		reason publicinvoicedomain.InvalidReason
	}{
		{"paid and expired", []testutil.InvoiceOption{testutil.WithStatus(invoicedomain.InvoiceStatusPaid), testutil.WithTokenExpiry(expired)}, publicinvoicedomain.ReasonAlreadyPaid},
		{"cancelled and expired", []testutil.InvoiceOption{testutil.WithStatus(invoicedomain.InvoiceStatusCancelled), testutil.WithTokenExpiry(expired)}, publicinvoicedomain.ReasonCancelled},
		{"expired", []testutil.InvoiceOption{testutil.WithTokenExpiry(expired)}, publicinvoicedomain.ReasonExpired},
		{"expires now", []testutil.InvoiceOption{testutil.WithTokenExpiry(now)}, publicinvoicedomain.ReasonExpired},
		{"overdue but open", []testutil.InvoiceOption{testutil.WithStatus(invoicedomain.InvoiceStatusOverdue)}, ""},
		{"draft", []testutil.InvoiceOption{testutil.WithStatus(invoicedomain.InvoiceStatusDraft)}, publicinvoicedomain.ReasonNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			testutil.SeedInvoice(t, h.db, testutil.NewNode(t), "tok_case", tc.opts...)

			result, err := h.svc.ValidatePaymentToken(context.Background(), "tok_case")
			require.NoError(t, err)
			if tc.reason == "" {
				assert.True(t, result.Valid)
				return
			}
			assert.False(t, result.Valid)
			assert.Equal(t, tc.reason, result.Reason)
		})
	}
}

func TestGetCryptoPaymentConfigFiltersByInvoice(t *testing.T) {
	h := newHarness(t)
	fixture := testutil.SeedInvoice(t, h.db, testutil.NewNode(t), "tok_crypto", testutil.WithCrypto("arbitrum", ""))

	_, err := h.wallets.EnableCrypto(context.Background(), fixture.Merchant.ID, []walletdomain.Pair{
		{Chain: "ethereum", Asset: "USDC"},
		{Chain: "arbitrum", Asset: "USDC"},
		{Chain: "arbitrum", Asset: "USDT"},
	})
	require.NoError(t, err)

	cfg, err := h.svc.GetCryptoPaymentConfig(context.Background(), "tok_crypto")
	require.NoError(t, err)
	require.Len(t, cfg.Addresses, 2)
	for _, addr := range cfg.Addresses {
		assert.Equal(t, "arbitrum", addr.Chain)
		assert.NotEmpty(t, addr.Contract)
	}
	assert.True(t, decimal.RequireFromString("100").Equal(cfg.Amount))
	assert.Equal(t, "USD", cfg.Currency)
}

func TestGetCryptoPaymentConfigQuotesForeignCurrency(t *testing.T) {
	h := newHarness(t)
	fixture := testutil.SeedInvoice(t, h.db, testutil.NewNode(t), "tok_eur",
		testutil.WithCrypto("", "usdc"),
		testutil.WithTotal("200.00", "EUR"),
	)
	_, err := h.wallets.GetOrCreate(context.Background(), fixture.Merchant.ID, "polygon", "USDC")
	require.NoError(t, err)

	cfg, err := h.svc.GetCryptoPaymentConfig(context.Background(), "tok_eur")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("220.00").Equal(cfg.Amount), "got %s", cfg.Amount)
}

func TestGetCryptoPaymentConfigErrors(t *testing.T) {
	h := newHarness(t)
	node := testutil.NewNode(t)
	testutil.SeedInvoice(t, h.db, node, "tok_card_only")
	testutil.SeedInvoice(t, h.db, node, "tok_no_addr", testutil.WithCrypto("", ""))

	_, err := h.svc.GetCryptoPaymentConfig(context.Background(), "tok_card_only")
	assert.ErrorIs(t, err, publicinvoicedomain.ErrCryptoDisabled)

	_, err = h.svc.GetCryptoPaymentConfig(context.Background(), "tok_no_addr")
	assert.ErrorIs(t, err, publicinvoicedomain.ErrNoCryptoAddresses)

	_, err = h.svc.GetCryptoPaymentConfig(context.Background(), "tok_missing")
	assert.ErrorIs(t, err, publicinvoicedomain.ErrTokenNotFound)
}

func TestCreateCryptoIntentRecordsPendingPayment(t *testing.T) {
	h := newHarness(t)
	fixture := testutil.SeedInvoice(t, h.db, testutil.NewNode(t), "tok_intent", testutil.WithCrypto("", ""))
	address, err := h.wallets.GetOrCreate(context.Background(), fixture.Merchant.ID, "arbitrum", "USDC")
	require.NoError(t, err)

	intent, err := h.svc.CreateCryptoIntent(context.Background(), "tok_intent", publicinvoicedomain.CryptoIntentRequest{Chain: "Arbitrum", Asset: "usdc"})
	require.NoError(t, err)
	assert.Equal(t, address.Address, intent.Address)
	assert.True(t, decimal.RequireFromString("100").Equal(intent.Amount))

	again, err := h.svc.CreateCryptoIntent(context.Background(), "tok_intent", publicinvoicedomain.CryptoIntentRequest{Chain: "arbitrum", Asset: "USDC"})
	require.NoError(t, err)
	assert.Equal(t, intent.PaymentID, again.PaymentID)

	payment, err := paymentrepo.Provide().FindByInvoiceID(context.Background(), h.db, fixture.Invoice.ID)
	require.NoError(t, err)
	require.NotNil(t, payment)
	assert.Equal(t, paymentdomain.PaymentTypeCrypto, payment.Type)
	assert.Equal(t, paymentdomain.PaymentStatusPending, payment.Status)
	assert.Equal(t, "arbitrum", payment.Chain)
	assert.Equal(t, "USDC", payment.Asset)
	assert.Equal(t, address.Address, payment.ToAddress)
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "SELECT COUNT(1) FROM payments"))

	_, err = h.svc.CreateCryptoIntent(context.Background(), "tok_intent", publicinvoicedomain.CryptoIntentRequest{Chain: "ethereum", Asset: "USDC"})
	assert.ErrorIs(t, err, publicinvoicedomain.ErrUnsupportedCryptoOption)
}
