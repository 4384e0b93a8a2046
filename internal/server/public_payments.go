package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
	publicinvoicedomain "github.com/smallbiznis/freelancepay/internal/publicinvoice/domain"
)

func (s *Server) RegisterPublicRoutes() {
	public := s.engine.Group("/public/pay/:token")

	public.GET("", s.PublicRateLimit("public_pay"), s.GetPaymentPage)
	public.GET("/crypto", s.PublicRateLimit("public_pay_crypto"), s.GetCryptoPaymentConfig)
	public.POST("/crypto-intent", s.PublicRateLimit("public_pay_crypto_intent"), s.CreateCryptoIntent)
	public.POST("/checkout", s.PublicRateLimit("public_pay_checkout"), s.CreateCheckoutSession)
}

type tokenErrorResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error"`
}

func (s *Server) GetPaymentPage(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))

	result, err := s.publicInvoices.ValidatePaymentToken(c.Request.Context(), token)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if result.Invoice != nil {
		c.Set(contextInvoiceIDKey, result.Invoice.ID.String())
	}
	if !result.Valid {
		s.respondTokenError(c, result.Reason.Err())
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true, "invoice": result.View})
}

func (s *Server) GetCryptoPaymentConfig(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))

	cfg, err := s.publicInvoices.GetCryptoPaymentConfig(c.Request.Context(), token)
	if err != nil {
		s.handlePublicPaymentError(c, err)
		return
	}

	c.Set(contextInvoiceIDKey, cfg.InvoiceID)
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) CreateCryptoIntent(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))

	var req publicinvoicedomain.CryptoIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.Chain) == "" {
		AbortWithError(c, newValidationError("chain", "required", "chain is required"))
		return
	}
	if strings.TrimSpace(req.Asset) == "" {
		AbortWithError(c, newValidationError("asset", "required", "asset is required"))
		return
	}

	intent, err := s.publicInvoices.CreateCryptoIntent(c.Request.Context(), token, req)
	if err != nil {
		s.handlePublicPaymentError(c, err)
		return
	}

	c.Set(contextInvoiceIDKey, intent.InvoiceID)
	c.JSON(http.StatusOK, intent)
}

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	if s.checkout == nil {
		AbortWithError(c, paymentdomain.ErrCheckoutUnavailable)
		return
	}
	token := strings.TrimSpace(c.Param("token"))

	session, err := s.checkout.CreateSession(c.Request.Context(), token)
	if err != nil {
		s.handlePublicPaymentError(c, err)
		return
	}

	c.Set(contextInvoiceIDKey, session.InvoiceID)
	c.JSON(http.StatusOK, session)
}

func (s *Server) handlePublicPaymentError(c *gin.Context, err error) {
	if isTokenError(err) {
		s.respondTokenError(c, err)
		return
	}
	AbortWithError(c, err)
}

// respondTokenError answers with the payment-page token shape instead of the
// generic error payload.
func (s *Server) respondTokenError(c *gin.Context, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, publicinvoicedomain.ErrTokenNotFound) {
		status = http.StatusNotFound
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, tokenErrorResponse{Valid: false, Error: err.Error()})
}

func isTokenError(err error) bool {
	return errors.Is(err, publicinvoicedomain.ErrTokenNotFound) ||
		errors.Is(err, publicinvoicedomain.ErrTokenExpired) ||
		errors.Is(err, publicinvoicedomain.ErrInvoiceAlreadyPaid) ||
		errors.Is(err, publicinvoicedomain.ErrInvoiceCancelled)
}
