package testutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	fxratedomain "github.com/smallbiznis/freelancepay/internal/fxrate/domain"
)

// StaticRates is an fx rate table keyed "FROM/TO". Stablecoins count as USD.
type StaticRates map[string]decimal.Decimal

func (r StaticRates) Rate(_ context.Context, from, to string, _ time.Time) (decimal.Decimal, error) {
	from, to = peg(from), peg(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	rate, ok := r[from+"/"+to]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", fxratedomain.ErrRateUnavailable, from, to)
	}
	return rate, nil
}

func peg(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "USDC" || code == "USDT" {
		return "USD"
	}
	return code
}
