package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	walletdomain "github.com/smallbiznis/freelancepay/internal/wallet/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() walletdomain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, userID snowflake.ID, chain, asset string) (*walletdomain.WalletAddress, error) {
	var item walletdomain.WalletAddress
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, chain, asset, address, derivation_path, created_at
		 FROM wallet_addresses
		 WHERE user_id = ? AND chain = ? AND asset = ?
		 LIMIT 1`,
		userID,
		chain,
		asset,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByAddress(ctx context.Context, db *gorm.DB, chain, address string) (*walletdomain.WalletAddress, error) {
	var item walletdomain.WalletAddress
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, chain, asset, address, derivation_path, created_at
		 FROM wallet_addresses
		 WHERE chain = ? AND lower(address) = lower(?)
		 ORDER BY created_at ASC
		 LIMIT 1`,
		chain,
		address,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]walletdomain.WalletAddress, error) {
	var items []walletdomain.WalletAddress
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, chain, asset, address, derivation_path, created_at
		 FROM wallet_addresses
		 WHERE user_id = ?
		 ORDER BY chain ASC, asset ASC`,
		userID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, item *walletdomain.WalletAddress) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO wallet_addresses (id, user_id, chain, asset, address, derivation_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, chain, asset) DO NOTHING`,
		item.ID,
		item.UserID,
		item.Chain,
		item.Asset,
		item.Address,
		item.DerivationPath,
		item.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
