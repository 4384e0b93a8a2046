package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("chain", "arbitrum"),
		attribute.String("invoice_id", "456"),
		attribute.String("wallet_address", "0xabc"),
		attribute.String("asset", "USDC"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key != "chain" && attr.Key != "asset" {
			t.Fatalf("unexpected attribute retained: %s", attr.Key)
		}
	}
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	ctx := context.Background()
	m.RecordPaymentEvent(ctx, "stripe", "checkout.session.completed")
	m.RecordSettlement(ctx, "crypto", "confirmed")

	var nilMetrics *Metrics
	nilMetrics.RecordLedgerEntry(ctx, "card")
}
