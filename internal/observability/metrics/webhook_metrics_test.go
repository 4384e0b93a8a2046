package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifyErrorReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: ErrorReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: ErrorReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: ErrorReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: ErrorReasonUniqueViolation},
		{name: "wrapped_pg", err: fmt.Errorf("settle: %w", &pgconn.PgError{Code: "08006"}), want: ErrorReasonDB},
		{name: "unknown", err: errors.New("boom"), want: ErrorReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyErrorReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	if !IsRetryableError(context.DeadlineExceeded) {
		t.Fatal("expected deadline to be retryable")
	}
	if !IsRetryableError(&pgconn.PgError{Code: "40001"}) {
		t.Fatal("expected serialization failure to be retryable")
	}
	if IsRetryableError(gorm.ErrRecordNotFound) {
		t.Fatal("expected not found to be final")
	}
	if IsRetryableError(nil) {
		t.Fatal("expected nil to be final")
	}
}

func TestWebhookCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newWebhookMetrics(registry, Config{ServiceName: "freelancepay", Environment: "test"})

	m.IncReceived("stripe", WebhookOutcomeProcessed)
	m.IncReceived("stripe", WebhookOutcomeAlreadyProcessed)
	m.IncReceived("stripe", WebhookOutcomeAlreadyProcessed)
	m.IncTransition("", "confirmed")

	if got := testutil.ToFloat64(m.received.WithLabelValues("stripe", WebhookOutcomeAlreadyProcessed)); got != 2 {
		t.Fatalf("expected 2 duplicate deliveries, got %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("none", "confirmed")); got != 1 {
		t.Fatalf("expected 1 transition, got %v", got)
	}

	var nilMetrics *WebhookMetrics
	nilMetrics.IncReceived("stripe", WebhookOutcomeFailed)
}
