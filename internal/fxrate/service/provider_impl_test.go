package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/freelancepay/internal/config"
	fxratedomain "github.com/smallbiznis/freelancepay/internal/fxrate/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRateIdentityAndPeg(t *testing.T) {
	p := NewProvider(Params{Cfg: config.Config{}, Log: zap.NewNop()})
	ctx := context.Background()

	rate, err := p.Rate(ctx, "usd", "USD", time.Now())
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))

	rate, err = p.Rate(ctx, "USDC", "USD", time.Now())
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))

	_, err = p.Rate(ctx, "USD", "EUR", time.Now())
	assert.True(t, errors.Is(err, fxratedomain.ErrRateUnavailable))

	_, err = p.Rate(ctx, "", "EUR", time.Now())
	assert.ErrorIs(t, err, fxratedomain.ErrInvalidCurrency)
}

func TestRateFetchesAndCaches(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "USD", r.URL.Query().Get("base"))
		assert.Equal(t, "EUR", r.URL.Query().Get("symbols"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"base":"USD","rates":{"EUR":"0.92"}}`))
	}))
	defer srv.Close()

	p := NewProvider(Params{
		Cfg: config.Config{FX: config.FXConfig{RateURL: srv.URL, CacheTTL: time.Minute}},
		Log: zap.NewNop(),
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rate, err := p.Rate(ctx, "USDT", "eur", time.Now())
		require.NoError(t, err)
		assert.Equal(t, "0.92", rate.String())
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRateUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProvider(Params{
		Cfg: config.Config{FX: config.FXConfig{RateURL: srv.URL}},
		Log: zap.NewNop(),
	})
	_, err := p.Rate(context.Background(), "GBP", "USD", time.Now())
	assert.ErrorIs(t, err, fxratedomain.ErrRateUnavailable)
}
