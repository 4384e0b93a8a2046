package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/freelancepay/internal/clock"
	"github.com/smallbiznis/freelancepay/internal/config"
	merchantdomain "github.com/smallbiznis/freelancepay/internal/merchant/domain"
	obsmetrics "github.com/smallbiznis/freelancepay/internal/observability/metrics"
	walletdomain "github.com/smallbiznis/freelancepay/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         walletdomain.Repository
	Generator    walletdomain.Generator
	Settlement   *config.SettlementConfigHolder
	MerchantRepo merchantdomain.Repository
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	repo         walletdomain.Repository
	generator    walletdomain.Generator
	settlement   *config.SettlementConfigHolder
	merchantRepo merchantdomain.Repository
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p Params) walletdomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("wallet.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		generator:    p.Generator,
		settlement:   p.Settlement,
		merchantRepo: p.MerchantRepo,
		obsMetrics:   p.ObsMetrics,
	}
}

// GetOrCreate returns the address for the triple, deriving and storing it on
// first use. Concurrent callers converge on the row that won the insert.
func (s *Service) GetOrCreate(ctx context.Context, userID snowflake.ID, chain, asset string) (walletdomain.WalletAddress, error) {
	if userID == 0 {
		return walletdomain.WalletAddress{}, walletdomain.ErrInvalidUser
	}
	pair := walletdomain.Pair{Chain: chain, Asset: asset}.Normalize()
	if !s.supported(pair) {
		return walletdomain.WalletAddress{}, walletdomain.ErrUnsupportedPair
	}

	existing, err := s.repo.Find(ctx, s.db, userID, pair.Chain, pair.Asset)
	if err != nil {
		return walletdomain.WalletAddress{}, fmt.Errorf("find wallet address: %w", err)
	}
	if existing != nil {
		return *existing, nil
	}

	derived, err := s.generator.Generate(ctx, userID, pair.Chain, pair.Asset)
	if err != nil {
		return walletdomain.WalletAddress{}, err
	}

	item := walletdomain.WalletAddress{
		ID:             s.genID.Generate(),
		UserID:         userID,
		Chain:          pair.Chain,
		Asset:          pair.Asset,
		Address:        derived.Address,
		DerivationPath: derived.Path,
		CreatedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertIfAbsent(ctx, s.db, &item)
	if err != nil {
		return walletdomain.WalletAddress{}, fmt.Errorf("insert wallet address: %w", err)
	}

	stored, err := s.repo.Find(ctx, s.db, userID, pair.Chain, pair.Asset)
	if err != nil {
		return walletdomain.WalletAddress{}, fmt.Errorf("reload wallet address: %w", err)
	}
	if stored == nil {
		return walletdomain.WalletAddress{}, walletdomain.ErrAddressConflict
	}

	if inserted {
		s.obsMetrics.RecordAddressCreated(ctx, pair.Chain, pair.Asset)
		s.log.Info("wallet address created",
			zap.String("user_id", userID.String()),
			zap.String("chain", pair.Chain),
			zap.String("asset", pair.Asset),
		)
	}
	return *stored, nil
}

// EnableCrypto provisions an address per pair. Pairs fail independently; the
// merchant is flagged crypto-enabled once any pair has an address.
func (s *Service) EnableCrypto(ctx context.Context, userID snowflake.ID, pairs []walletdomain.Pair) ([]walletdomain.EnableResult, error) {
	if userID == 0 {
		return nil, walletdomain.ErrInvalidUser
	}

	results := make([]walletdomain.EnableResult, 0, len(pairs))
	seen := make(map[walletdomain.Pair]struct{}, len(pairs))
	succeeded := 0
	for _, raw := range pairs {
		pair := raw.Normalize()
		if _, ok := seen[pair]; ok {
			continue
		}
		seen[pair] = struct{}{}

		address, err := s.GetOrCreate(ctx, userID, pair.Chain, pair.Asset)
		if err != nil {
			s.log.Warn("enable crypto pair failed",
				zap.String("user_id", userID.String()),
				zap.String("chain", pair.Chain),
				zap.String("asset", pair.Asset),
				zap.Error(err),
			)
			results = append(results, walletdomain.EnableResult{Pair: pair, Err: err})
			continue
		}
		succeeded++
		results = append(results, walletdomain.EnableResult{Pair: pair, Address: &address})
	}

	if succeeded > 0 && s.merchantRepo != nil {
		if err := s.merchantRepo.SetCryptoEnabled(ctx, s.db, userID, true, s.clock.Now()); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (s *Service) ListByUser(ctx context.Context, userID snowflake.ID) ([]walletdomain.WalletAddress, error) {
	if userID == 0 {
		return nil, walletdomain.ErrInvalidUser
	}
	return s.repo.ListByUser(ctx, s.db, userID)
}

func (s *Service) FindByAddress(ctx context.Context, chain, address string) (*walletdomain.WalletAddress, error) {
	pair := walletdomain.Pair{Chain: chain}.Normalize()
	return s.repo.FindByAddress(ctx, s.db, pair.Chain, address)
}

func (s *Service) supported(pair walletdomain.Pair) bool {
	if s.settlement == nil {
		return false
	}
	_, ok := s.settlement.Get().Token(pair.Chain, pair.Asset)
	return ok
}
