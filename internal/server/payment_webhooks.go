package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
	"github.com/smallbiznis/freelancepay/internal/payment/webhook"
)

// Provider payloads are small; anything larger is not a real notification.
const maxWebhookBody = 1 << 20

func (s *Server) RegisterWebhookRoutes() {
	hooks := s.engine.Group("/webhooks")
	hooks.POST("/stripe", s.HandleStripeWebhook)
	hooks.POST("/chain", s.HandleChainWebhook)
}

type webhookErrorResponse struct {
	Received bool   `json:"received"`
	Error    string `json:"error"`
}

func (s *Server) HandleStripeWebhook(c *gin.Context) {
	if s.webhooks == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	s.handleWebhook(c, paymentdomain.ProviderStripe, s.webhooks.HandleStripe)
}

func (s *Server) HandleChainWebhook(c *gin.Context) {
	if s.webhooks == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	s.handleWebhook(c, paymentdomain.ProviderChain, s.webhooks.HandleChain)
}

type webhookFunc func(ctx context.Context, payload []byte, headers http.Header) (webhook.Result, error)

func (s *Server) handleWebhook(c *gin.Context, provider string, handle webhookFunc) {
	c.Set("payment_provider", provider)
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := handle(c.Request.Context(), payload, c.Request.Header)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(webhookErrorStatus(provider, result, err), webhookErrorResponse{
			Received: false,
			Error:    webhookErrorCode(err),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// webhookErrorStatus turns the retryable flag into the provider's retry
// signal: 5xx asks for redelivery, 4xx drops a delivery that can never
// succeed.
func webhookErrorStatus(provider string, result webhook.Result, err error) int {
	switch {
	case result.Retryable:
		return http.StatusInternalServerError
	case provider == paymentdomain.ProviderChain && errors.Is(err, paymentdomain.ErrSignatureVerificationFailed):
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

func webhookErrorCode(err error) string {
	for _, known := range []error{
		paymentdomain.ErrWebhookSecretMissing,
		paymentdomain.ErrSignatureMissing,
		paymentdomain.ErrSignatureVerificationFailed,
		paymentdomain.ErrMalformedPayload,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "processing_failed"
}
