package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	WebhookOutcomeProcessed        = "processed"
	WebhookOutcomeAlreadyProcessed = "already_processed"
	WebhookOutcomeIgnored          = "ignored"
	WebhookOutcomeDeferred         = "deferred"
	WebhookOutcomeRejected         = "rejected"
	WebhookOutcomeFailed           = "failed"
)

const (
	ErrorReasonDeadlineExceeded     = "deadline_exceeded"
	ErrorReasonDBLockTimeout        = "db_lock_timeout"
	ErrorReasonSerializationFailure = "serialization_failure"
	ErrorReasonUniqueViolation      = "unique_violation"
	ErrorReasonDB                   = "db"
	ErrorReasonUnknown              = "unknown"
)

// WebhookMetrics captures payment webhook and settlement health signals.
type WebhookMetrics struct {
	received      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	errors        *prometheus.CounterVec
	verifications *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	signatureSkip *prometheus.CounterVec
}

var (
	webhookMetricsOnce sync.Once
	webhookMetrics     *WebhookMetrics
)

// Webhooks returns the singleton webhook metrics registry using config labels.
func Webhooks(cfg Config) *WebhookMetrics {
	webhookMetricsOnce.Do(func() {
		webhookMetrics = newWebhookMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return webhookMetrics
}

// ResetWebhookMetricsForTest resets the singleton for tests.
func ResetWebhookMetricsForTest() {
	webhookMetricsOnce = sync.Once{}
	webhookMetrics = nil
}

func newWebhookMetrics(registerer prometheus.Registerer, cfg Config) *WebhookMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "freelancepay"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &WebhookMetrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "freelancepay_webhook_events_total",
			Help:        "Webhook deliveries by provider and outcome.",
			ConstLabels: constLabels,
		}, []string{"provider", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "freelancepay_webhook_duration_seconds",
			Help:        "Webhook handling latency; providers time out around 20-30s.",
			Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
			ConstLabels: constLabels,
		}, []string{"provider"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "freelancepay_webhook_errors_total",
			Help:        "Webhook handling errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"provider", "reason"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "freelancepay_chain_verifications_total",
			Help:        "On-chain transaction verification results by chain.",
			ConstLabels: constLabels,
		}, []string{"chain", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "freelancepay_payment_transitions_total",
			Help:        "Payment status transitions applied by settlement.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		signatureSkip: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "freelancepay_webhook_signature_skipped_total",
			Help:        "Webhooks accepted without signature verification (no signing key configured).",
			ConstLabels: constLabels,
		}, []string{"provider"}),
	}

	registerer.MustRegister(m.received, m.duration, m.errors, m.verifications, m.transitions, m.signatureSkip)
	return m
}

// IncReceived counts a webhook delivery by outcome.
func (m *WebhookMetrics) IncReceived(provider, outcome string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(provider, outcome).Inc()
}

// ObserveDuration records webhook handling latency.
func (m *WebhookMetrics) ObserveDuration(provider string, duration time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(provider).Observe(duration.Seconds())
}

// IncError counts a failed webhook with a classified reason.
func (m *WebhookMetrics) IncError(provider string, err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(provider, ClassifyErrorReason(err)).Inc()
}

// IncVerification counts a chain verification result ("verified" or a failure reason).
func (m *WebhookMetrics) IncVerification(chain, result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(chain, result).Inc()
}

// IncTransition counts a payment status transition.
func (m *WebhookMetrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// IncSignatureSkipped counts webhooks accepted in unsigned mode.
func (m *WebhookMetrics) IncSignatureSkipped(provider string) {
	if m == nil {
		return
	}
	m.signatureSkip.WithLabelValues(provider).Inc()
}

// ClassifyErrorReason maps errors to low-cardinality reasons.
func ClassifyErrorReason(err error) string {
	switch {
	case err == nil:
		return ErrorReasonUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return ErrorReasonDeadlineExceeded
	case hasPGCode(err, "55P03"):
		return ErrorReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return ErrorReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505"):
		return ErrorReasonUniqueViolation
	case isDBError(err):
		return ErrorReasonDB
	default:
		return ErrorReasonUnknown
	}
}

// IsRetryableError reports whether a provider redelivery could succeed.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBError(err)
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
