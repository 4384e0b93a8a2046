// Package testutil opens throwaway databases and seeds fixtures for package
// tests.
package testutil

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/freelancepay/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/freelancepay/internal/ledger/domain"
	merchantdomain "github.com/smallbiznis/freelancepay/internal/merchant/domain"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
	walletdomain "github.com/smallbiznis/freelancepay/internal/wallet/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB returns an in-memory SQLite database with every table migrated. A
// single connection is kept so concurrent transactions serialize the way
// row locks would on postgres.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&merchantdomain.Merchant{},
		&invoicedomain.Client{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
		&paymentdomain.Payment{},
		&paymentdomain.ProcessedWebhookEvent{},
		&walletdomain.WalletAddress{},
		&ledgerdomain.LedgerEntry{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

// NewNode returns a snowflake node for tests.
func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

// Fixture is a merchant with one client and one invoice.
type Fixture struct {
	Merchant merchantdomain.Merchant
	Client   invoicedomain.Client
	Invoice  invoicedomain.Invoice
	Items    []invoicedomain.InvoiceItem
	// Token is the raw payment token; only its hash is stored.
	Token string
}

// InvoiceOption adjusts the invoice before it is stored.
type InvoiceOption func(*invoicedomain.Invoice)

func WithStatus(status invoicedomain.InvoiceStatus) InvoiceOption {
	return func(inv *invoicedomain.Invoice) { inv.Status = status }
}

func WithTotal(total string, currency string) InvoiceOption {
	return func(inv *invoicedomain.Invoice) {
		inv.Subtotal = decimal.RequireFromString(total)
		inv.Tax = decimal.Zero
		inv.Total = decimal.RequireFromString(total)
		inv.Currency = currency
	}
}

func WithTokenExpiry(at time.Time) InvoiceOption {
	return func(inv *invoicedomain.Invoice) { inv.PaymentTokenExpiresAt = &at }
}

func WithCrypto(chains, assets string) InvoiceOption {
	return func(inv *invoicedomain.Invoice) {
		inv.CryptoEnabled = true
		inv.CryptoChains = chains
		inv.CryptoAssets = assets
	}
}

func WithCardDisabled() InvoiceOption {
	return func(inv *invoicedomain.Invoice) { inv.CardEnabled = false }
}

// SeedInvoice stores a merchant, client and a sent 100.00 USD invoice with a
// single line, then applies opts to the invoice.
func SeedInvoice(t *testing.T, db *gorm.DB, node *snowflake.Node, token string, opts ...InvoiceOption) Fixture {
	t.Helper()

	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	merchant := merchantdomain.Merchant{
		ID:              node.Generate(),
		DisplayName:     "Ana Freelance",
		BusinessName:    "Ana Studio",
		Email:           "ana@example.com",
		DefaultCurrency: "USD",
		CardEnabled:     true,
		CryptoEnabled:   true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := db.Select("*").Create(&merchant).Error; err != nil {
		t.Fatalf("seed merchant: %v", err)
	}

	client := invoicedomain.Client{
		ID:        node.Generate(),
		UserID:    merchant.ID,
		Name:      "Bob Client",
		Email:     "bob@example.com",
		Company:   "Bob Co",
		CreatedAt: now,
	}
	if err := db.Select("*").Create(&client).Error; err != nil {
		t.Fatalf("seed client: %v", err)
	}

	issued := now
	due := now.Add(14 * 24 * time.Hour)
	invoice := invoicedomain.Invoice{
		ID:            node.Generate(),
		UserID:        merchant.ID,
		ClientID:      client.ID,
		InvoiceNumber: "INV-" + node.Generate().String(),
		Status:        invoicedomain.InvoiceStatusSent,
		Subtotal:      decimal.RequireFromString("100.00"),
		Tax:           decimal.Zero,
		Total:         decimal.RequireFromString("100.00"),
		Currency:      "USD",
		CardEnabled:   true,
		IssuedAt:      &issued,
		DueAt:         &due,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if token != "" {
		hash := invoicedomain.HashPaymentToken(token)
		invoice.PaymentTokenHash = &hash
	}
	for _, opt := range opts {
		opt(&invoice)
	}
	if err := db.Select("*").Create(&invoice).Error; err != nil {
		t.Fatalf("seed invoice: %v", err)
	}

	item := invoicedomain.InvoiceItem{
		ID:          node.Generate(),
		InvoiceID:   invoice.ID,
		Description: "Design work",
		Quantity:    decimal.NewFromInt(1),
		UnitPrice:   invoice.Subtotal,
		Amount:      invoice.Subtotal,
		Position:    1,
		CreatedAt:   now,
	}
	if err := db.Select("*").Create(&item).Error; err != nil {
		t.Fatalf("seed invoice item: %v", err)
	}

	return Fixture{
		Merchant: merchant,
		Client:   client,
		Invoice:  invoice,
		Items:    []invoicedomain.InvoiceItem{item},
		Token:    token,
	}
}

// LoadInvoice re-reads an invoice.
func LoadInvoice(t *testing.T, db *gorm.DB, id snowflake.ID) invoicedomain.Invoice {
	t.Helper()
	var inv invoicedomain.Invoice
	if err := db.First(&inv, "id = ?", id).Error; err != nil {
		t.Fatalf("load invoice: %v", err)
	}
	return inv
}

// Count runs a COUNT query.
func Count(t *testing.T, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("query count: %v", err)
	}
	return count
}
