package context

import "context"

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	merchantKey  ctxKey = "merchant_id"
	providerKey  ctxKey = "provider"
)

// WithRequestID stores the inbound request identifier.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request identifier or an empty string.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithMerchantID stores the merchant (invoice owner) the request acts on.
func WithMerchantID(ctx context.Context, merchantID string) context.Context {
	return context.WithValue(ctx, merchantKey, merchantID)
}

func MerchantIDFromContext(ctx context.Context) string {
	return stringValue(ctx, merchantKey)
}

// WithProvider tags the context with the payment rail handling the request.
func WithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, providerKey, provider)
}

func ProviderFromContext(ctx context.Context) string {
	return stringValue(ctx, providerKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
