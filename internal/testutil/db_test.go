package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeedInvoiceStoresDisabledCard(t *testing.T) {
	db := OpenDB(t)
	node := NewNode(t)

	fx := SeedInvoice(t, db, node, "tok", WithCardDisabled())
	assert.False(t, fx.Invoice.CardEnabled)
	assert.False(t, LoadInvoice(t, db, fx.Invoice.ID).CardEnabled)
	assert.Zero(t, Count(t, db, "SELECT COUNT(*) FROM invoices WHERE id = ? AND card_enabled = ?", fx.Invoice.ID, true))

	enabled := SeedInvoice(t, db, node, "tok_enabled")
	assert.True(t, LoadInvoice(t, db, enabled.Invoice.ID).CardEnabled)
	assert.EqualValues(t, 1, Count(t, db, "SELECT COUNT(*) FROM merchants WHERE id = ? AND card_enabled = ?", enabled.Merchant.ID, true))
}
