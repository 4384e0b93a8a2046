package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	ChainEthereum = "ethereum"
	ChainArbitrum = "arbitrum"
	ChainPolygon  = "polygon"

	AssetUSDC = "USDC"
	AssetUSDT = "USDT"
)

// WalletAddress is the receiving address of a merchant for one chain and
// asset. Rows are never updated once created.
type WalletAddress struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID         snowflake.ID `json:"user_id" gorm:"not null;uniqueIndex:ux_wallet_addresses_user_chain_asset,priority:1"`
	Chain          string       `json:"chain" gorm:"type:text;not null;uniqueIndex:ux_wallet_addresses_user_chain_asset,priority:2"`
	Asset          string       `json:"asset" gorm:"type:text;not null;uniqueIndex:ux_wallet_addresses_user_chain_asset,priority:3"`
	Address        string       `json:"address" gorm:"type:text;not null"`
	DerivationPath string       `json:"-" gorm:"type:text;not null;default:''"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (WalletAddress) TableName() string { return "wallet_addresses" }

// Pair is a chain and asset combination.
type Pair struct {
	Chain string `json:"chain"`
	Asset string `json:"asset"`
}

// Normalize lower-cases the chain and upper-cases the asset.
func (p Pair) Normalize() Pair {
	return Pair{
		Chain: strings.ToLower(strings.TrimSpace(p.Chain)),
		Asset: strings.ToUpper(strings.TrimSpace(p.Asset)),
	}
}

// EnableResult is the per-pair outcome of EnableCrypto.
type EnableResult struct {
	Pair    Pair           `json:"pair"`
	Address *WalletAddress `json:"address,omitempty"`
	Err     error          `json:"-"`
}

// Derived is a generated address and the path it was derived from.
type Derived struct {
	Address string
	Path    string
}

// Generator derives receiving addresses. Implementations must be
// deterministic for a given triple.
type Generator interface {
	Generate(ctx context.Context, userID snowflake.ID, chain, asset string) (Derived, error)
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, userID snowflake.ID, chain, asset string) (*WalletAddress, error)
	FindByAddress(ctx context.Context, db *gorm.DB, chain, address string) (*WalletAddress, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]WalletAddress, error)
	InsertIfAbsent(ctx context.Context, db *gorm.DB, item *WalletAddress) (bool, error)
}

type Service interface {
	GetOrCreate(ctx context.Context, userID snowflake.ID, chain, asset string) (WalletAddress, error)
	EnableCrypto(ctx context.Context, userID snowflake.ID, pairs []Pair) ([]EnableResult, error)
	ListByUser(ctx context.Context, userID snowflake.ID) ([]WalletAddress, error)
	FindByAddress(ctx context.Context, chain, address string) (*WalletAddress, error)
}

var (
	ErrInvalidUser       = errors.New("invalid_user")
	ErrUnsupportedPair   = errors.New("unsupported_chain_asset")
	ErrGeneratorNotReady = errors.New("wallet_generator_not_configured")
	ErrAddressConflict   = errors.New("wallet_address_conflict")
)
