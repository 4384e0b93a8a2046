// Package generator derives EVM receiving addresses from a master seed.
package generator

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/smallbiznis/freelancepay/internal/config"
	walletdomain "github.com/smallbiznis/freelancepay/internal/wallet/domain"
	"golang.org/x/crypto/hkdf"
)

const salt = "freelancepay/wallet/v1"

// maxAttempts bounds the retry when a derived scalar is outside the curve
// order. That happens with negligible probability.
const maxAttempts = 4

type HKDFGenerator struct {
	seed []byte
}

func New(seed []byte) *HKDFGenerator {
	return &HKDFGenerator{seed: append([]byte(nil), seed...)}
}

// Provide builds the generator from WALLET_MASTER_SEED.
func Provide(cfg config.Config) walletdomain.Generator {
	return New([]byte(cfg.WalletMasterSeed))
}

func (g *HKDFGenerator) Generate(ctx context.Context, userID snowflake.ID, chain, asset string) (walletdomain.Derived, error) {
	if len(g.seed) == 0 {
		return walletdomain.Derived{}, walletdomain.ErrGeneratorNotReady
	}
	if userID == 0 {
		return walletdomain.Derived{}, walletdomain.ErrInvalidUser
	}
	if err := ctx.Err(); err != nil {
		return walletdomain.Derived{}, err
	}

	path := Path(userID, chain, asset)
	key, err := g.deriveKey(path)
	if err != nil {
		return walletdomain.Derived{}, err
	}
	return walletdomain.Derived{
		Address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Path:    path,
	}, nil
}

func (g *HKDFGenerator) deriveKey(path string) (*ecdsa.PrivateKey, error) {
	reader := hkdf.New(sha256.New, g.seed, []byte(salt), []byte(path))
	buf := make([]byte, 32)
	for i := 0; i < maxAttempts; i++ {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, fmt.Errorf("derive wallet key: %w", err)
		}
		key, err := crypto.ToECDSA(buf)
		if err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("derive wallet key: no valid scalar for %s", path)
}

// Path is the HKDF info string for a triple.
func Path(userID snowflake.ID, chain, asset string) string {
	return fmt.Sprintf("%s/%s/%s",
		userID.String(),
		strings.ToLower(strings.TrimSpace(chain)),
		strings.ToUpper(strings.TrimSpace(asset)),
	)
}

var _ walletdomain.Generator = (*HKDFGenerator)(nil)
