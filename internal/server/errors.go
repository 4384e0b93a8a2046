package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
	"github.com/smallbiznis/freelancepay/internal/payment/verifier"
	publicinvoicedomain "github.com/smallbiznis/freelancepay/internal/publicinvoice/domain"
	walletdomain "github.com/smallbiznis/freelancepay/internal/wallet/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    conflictType(err),
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, paymentdomain.ErrCheckoutUnavailable),
		errors.Is(err, walletdomain.ErrGeneratorNotReady):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, publicinvoicedomain.ErrTokenExpired),
		errors.Is(err, publicinvoicedomain.ErrInvoiceAlreadyPaid),
		errors.Is(err, publicinvoicedomain.ErrInvoiceCancelled),
		errors.Is(err, publicinvoicedomain.ErrCryptoDisabled),
		errors.Is(err, publicinvoicedomain.ErrNoCryptoAddresses),
		errors.Is(err, publicinvoicedomain.ErrUnsupportedCryptoOption),
		errors.Is(err, paymentdomain.ErrCardPaymentDisabled),
		errors.Is(err, walletdomain.ErrInvalidUser):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, paymentdomain.ErrCheckoutInProgress),
		errors.Is(err, publicinvoicedomain.ErrPaymentAlreadySettled),
		errors.Is(err, walletdomain.ErrAddressConflict):
		return true
	default:
		return false
	}
}

func conflictType(err error) string {
	switch {
	case errors.Is(err, paymentdomain.ErrCheckoutInProgress):
		return paymentdomain.ErrCheckoutInProgress.Error()
	case errors.Is(err, publicinvoicedomain.ErrPaymentAlreadySettled):
		return publicinvoicedomain.ErrPaymentAlreadySettled.Error()
	default:
		return "conflict"
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, publicinvoicedomain.ErrTokenNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	return err.Error()
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case publicinvoicedomain.ErrTokenExpired.Error(),
		publicinvoicedomain.ErrInvoiceAlreadyPaid.Error(),
		publicinvoicedomain.ErrInvoiceCancelled.Error():
		return "token"
	case publicinvoicedomain.ErrCryptoDisabled.Error(),
		publicinvoicedomain.ErrNoCryptoAddresses.Error(),
		publicinvoicedomain.ErrUnsupportedCryptoOption.Error(),
		paymentdomain.ErrCardPaymentDisabled.Error():
		return "payment_method"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case publicinvoicedomain.ErrTokenExpired.Error():
		return "payment link has expired"
	case publicinvoicedomain.ErrInvoiceAlreadyPaid.Error():
		return "invoice is already paid"
	case publicinvoicedomain.ErrInvoiceCancelled.Error():
		return "invoice was cancelled"
	default:
		return "invalid value"
	}
}

// classifyErrorForLog maps an error to the (type, code) pair logged by the
// request middleware.
func classifyErrorForLog(err error) (string, string) {
	switch {
	case err == nil:
		return "", ""
	case errors.Is(err, paymentdomain.ErrSignatureMissing),
		errors.Is(err, paymentdomain.ErrSignatureVerificationFailed):
		return "signature_error", err.Error()
	case errors.Is(err, paymentdomain.ErrMalformedPayload):
		return "payload_error", err.Error()
	case errors.Is(err, verifier.ErrChainQueryFailed):
		return "upstream_error", "chain_query_failed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited", "rate_limited"
	}
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "internal_error", payload.Type
	}
	return payload.Type, validationErrorCode(err)
}
