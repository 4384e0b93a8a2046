package tracing

import (
	"errors"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSecrets(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/public/pay/:token"),
		attribute.String("payment_token", "tok_secret"),
		attribute.String("signature", "abc"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}

func TestSafeErrorKeepsOutermostMessage(t *testing.T) {
	err := fmt.Errorf("settle invoice: %w", errors.New("pq: duplicate key value (token=abc)"))
	got := SafeError(err)
	if got.Error() != "settle invoice" {
		t.Fatalf("expected outer message, got %q", got.Error())
	}
	if SafeError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}
