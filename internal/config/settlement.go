package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// TokenContract describes an ERC-20 asset deployed on a chain.
type TokenContract struct {
	Asset    string `mapstructure:"asset"`
	Contract string `mapstructure:"contract"`
	Decimals int32  `mapstructure:"decimals"`
}

// ChainSettings lists the assets accepted on one chain.
type ChainSettings struct {
	Name string `mapstructure:"name"`

	// Confirmations overrides the built-in finality threshold when positive.
	Confirmations int64           `mapstructure:"confirmations"`
	Tokens        []TokenContract `mapstructure:"tokens"`
}

// SettlementConfig is the hot-reloadable part of crypto settlement.
type SettlementConfig struct {
	AmountTolerance string          `mapstructure:"amountTolerance"`
	Chains          []ChainSettings `mapstructure:"chains"`
}

// Tolerance returns the accepted absolute amount difference.
func (c SettlementConfig) Tolerance() decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(c.AmountTolerance))
	if err != nil {
		return decimal.RequireFromString("0.01")
	}
	return value
}

// Token finds the contract for an asset on a chain.
func (c SettlementConfig) Token(chain, asset string) (TokenContract, bool) {
	for _, ch := range c.Chains {
		if !strings.EqualFold(ch.Name, chain) {
			continue
		}
		for _, token := range ch.Tokens {
			if strings.EqualFold(token.Asset, asset) {
				return token, true
			}
		}
	}
	return TokenContract{}, false
}

// Confirmations returns the configured threshold for a chain, or 0.
func (c SettlementConfig) Confirmations(chain string) int64 {
	for _, ch := range c.Chains {
		if strings.EqualFold(ch.Name, chain) {
			return ch.Confirmations
		}
	}
	return 0
}

// TokenByContract resolves a contract address back to its asset.
func (c SettlementConfig) TokenByContract(chain, contract string) (TokenContract, bool) {
	for _, ch := range c.Chains {
		if !strings.EqualFold(ch.Name, chain) {
			continue
		}
		for _, token := range ch.Tokens {
			if strings.EqualFold(token.Contract, contract) {
				return token, true
			}
		}
	}
	return TokenContract{}, false
}

// DefaultSettlementConfig holds mainnet USDC/USDT deployments.
func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		AmountTolerance: "0.01",
		Chains: []ChainSettings{
			{Name: "ethereum", Confirmations: 12, Tokens: []TokenContract{
				{Asset: "USDC", Contract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
				{Asset: "USDT", Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
			}},
			{Name: "arbitrum", Confirmations: 12, Tokens: []TokenContract{
				{Asset: "USDC", Contract: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6},
				{Asset: "USDT", Contract: "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", Decimals: 6},
			}},
			{Name: "polygon", Confirmations: 128, Tokens: []TokenContract{
				{Asset: "USDC", Contract: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Decimals: 6},
				{Asset: "USDT", Contract: "0xc2132D05D31c914a87C6611480B4Bd82A3a3C1A6", Decimals: 6},
			}},
		},
	}
}

// SettlementConfigHolder keeps the latest valid SettlementConfig.
type SettlementConfigHolder struct {
	current atomic.Value // holds SettlementConfig
}

// NewStaticSettlementConfigHolder wraps a fixed config; used by tests.
func NewStaticSettlementConfigHolder(cfg SettlementConfig) *SettlementConfigHolder {
	holder := &SettlementConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

// NewSettlementConfigHolder reads settlement.yml and watches it for changes.
func NewSettlementConfigHolder(cfg Config) (*SettlementConfigHolder, error) {
	v := viper.New()

	if cfg.SettlementConfigPath != "" {
		v.SetConfigFile(cfg.SettlementConfigPath)
	} else {
		v.SetConfigName("settlement")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/freelancepay")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FREELANCEPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSettlementConfig()
	v.SetDefault("settlement.amountTolerance", defaults.AmountTolerance)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	current := defaults
	if fileLoaded {
		if err := v.UnmarshalKey("settlement", &current); err != nil {
			return nil, err
		}
	}
	if err := validateSettlementConfig(current); err != nil {
		return nil, err
	}

	holder := NewStaticSettlementConfigHolder(current)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated SettlementConfig
		if err := v.UnmarshalKey("settlement", &updated); err != nil {
			log.Printf("[settlement-config] reload failed: %v", err)
			return
		}
		if err := validateSettlementConfig(updated); err != nil {
			log.Printf("[settlement-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[settlement-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *SettlementConfigHolder) Get() SettlementConfig {
	return h.current.Load().(SettlementConfig)
}

func validateSettlementConfig(cfg SettlementConfig) error {
	tolerance, err := decimal.NewFromString(strings.TrimSpace(cfg.AmountTolerance))
	if err != nil {
		return fmt.Errorf("settlement.amountTolerance: %w", err)
	}
	if tolerance.IsNegative() {
		return errors.New("settlement.amountTolerance cannot be negative")
	}
	if len(cfg.Chains) == 0 {
		return errors.New("settlement.chains cannot be empty")
	}
	for _, chain := range cfg.Chains {
		if strings.TrimSpace(chain.Name) == "" {
			return errors.New("settlement.chains[].name is required")
		}
		if chain.Confirmations < 0 {
			return fmt.Errorf("settlement.chains[%s].confirmations cannot be negative", chain.Name)
		}
		for _, token := range chain.Tokens {
			if token.Asset == "" || token.Contract == "" {
				return fmt.Errorf("settlement.chains[%s].tokens: asset and contract are required", chain.Name)
			}
			if token.Decimals < 0 || token.Decimals > 36 {
				return fmt.Errorf("settlement.chains[%s].tokens[%s]: invalid decimals", chain.Name, token.Asset)
			}
		}
	}
	return nil
}
