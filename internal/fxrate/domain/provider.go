package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Provider returns the multiplier converting one unit of from into to.
type Provider interface {
	Rate(ctx context.Context, from, to string, at time.Time) (decimal.Decimal, error)
}

var (
	ErrRateUnavailable = errors.New("fx_rate_unavailable")
	ErrInvalidCurrency = errors.New("invalid_currency")
)
