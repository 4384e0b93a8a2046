package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/freelancepay/internal/cache"
	"github.com/smallbiznis/freelancepay/internal/config"
	fxratedomain "github.com/smallbiznis/freelancepay/internal/fxrate/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const redisKeyRate = "fx:rate:%s:%s"

// Stablecoins settle at par with their reference currency.
var pegged = map[string]string{
	"USDC": "USD",
	"USDT": "USD",
}

type Params struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Redis *redis.Client `optional:"true"`
}

type Provider struct {
	log      *zap.Logger
	redis    *redis.Client
	local    cache.Cache[string, decimal.Decimal]
	http     *http.Client
	rateURL  string
	cacheTTL time.Duration
}

func NewProvider(p Params) fxratedomain.Provider {
	ttl := p.Cfg.FX.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	timeout := p.Cfg.FX.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Provider{
		log:      p.Log.Named("fxrate.provider"),
		redis:    p.Redis,
		local:    cache.NewTTLCache[string, decimal.Decimal](),
		http:     &http.Client{Timeout: timeout},
		rateURL:  strings.TrimSpace(p.Cfg.FX.RateURL),
		cacheTTL: ttl,
	}
}

// Rate converts using the latest known rate. Historical rates are not
// tracked; at is accepted for callers that may later need them.
func (p *Provider) Rate(ctx context.Context, from, to string, _ time.Time) (decimal.Decimal, error) {
	from = normalizeCurrency(from)
	to = normalizeCurrency(to)
	if from == "" || to == "" {
		return decimal.Zero, fxratedomain.ErrInvalidCurrency
	}
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	key := fmt.Sprintf(redisKeyRate, from, to)
	if rate, ok := p.local.Get(key); ok {
		return rate, nil
	}
	if rate, ok := p.fromRedis(ctx, key); ok {
		p.local.Set(key, rate, p.cacheTTL)
		return rate, nil
	}

	rate, err := p.fetch(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}

	p.local.Set(key, rate, p.cacheTTL)
	if p.redis != nil {
		if err := p.redis.Set(ctx, key, rate.String(), p.cacheTTL).Err(); err != nil {
			p.log.Warn("cache fx rate failed", zap.String("pair", from+"/"+to), zap.Error(err))
		}
	}
	return rate, nil
}

func (p *Provider) fromRedis(ctx context.Context, key string) (decimal.Decimal, bool) {
	if p.redis == nil {
		return decimal.Zero, false
	}
	raw, err := p.redis.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			p.log.Warn("read cached fx rate failed", zap.Error(err))
		}
		return decimal.Zero, false
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil || !rate.IsPositive() {
		return decimal.Zero, false
	}
	return rate, true
}

type ratesResponse struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (p *Provider) fetch(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if p.rateURL == "" {
		return decimal.Zero, fmt.Errorf("%w: no rate source configured", fxratedomain.ErrRateUnavailable)
	}

	endpoint, err := url.Parse(p.rateURL)
	if err != nil {
		return decimal.Zero, err
	}
	query := endpoint.Query()
	query.Set("base", from)
	query.Set("symbols", to)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", fxratedomain.ErrRateUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: status %d", fxratedomain.ErrRateUnavailable, resp.StatusCode)
	}

	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode: %v", fxratedomain.ErrRateUnavailable, err)
	}
	rate, ok := body.Rates[to]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s/%s missing", fxratedomain.ErrRateUnavailable, from, to)
	}
	return rate, nil
}

func normalizeCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if ref, ok := pegged[code]; ok {
		return ref
	}
	return code
}
