package verifier

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/freelancepay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Failure names why a transaction does not settle an invoice.
type Failure string

const (
	FailureNone                      Failure = ""
	FailureRecipientMismatch         Failure = "recipient_mismatch"
	FailureAssetMismatch             Failure = "asset_mismatch"
	FailureAmountMismatch            Failure = "amount_mismatch"
	FailureTransactionFailed         Failure = "transaction_failed"
	FailureInsufficientConfirmations Failure = "insufficient_confirmations"
)

// Pending reports whether a later look at the same transaction could pass.
func (f Failure) Pending() bool {
	return f == FailureInsufficientConfirmations
}

// TxStatus is the execution status of a mined transaction.
type TxStatus string

const (
	TxStatusSuccess TxStatus = "success"
	TxStatusFailed  TxStatus = "failed"
)

// ChainTransaction is the token movement observed on chain.
type ChainTransaction struct {
	Chain         string
	TxHash        string
	From          string
	To            string
	Asset         string
	Amount        decimal.Decimal
	Confirmations int64
	Status        TxStatus
}

// Query identifies a transaction. Recipient picks the matching transfer when
// a transaction moves tokens to several addresses.
type Query struct {
	Chain     string
	TxHash    string
	Recipient string
}

// ChainClient reads transactions from a chain node.
type ChainClient interface {
	Transaction(ctx context.Context, q Query) (ChainTransaction, error)
}

var (
	ErrChainQueryFailed    = errors.New("chain_query_failed")
	ErrTransactionNotFound = errors.New("transaction_not_found")
	ErrUnsupportedChain    = errors.New("unsupported_chain")
	ErrInvalidRequest      = errors.New("invalid_verify_request")
)

var defaultConfirmations = map[string]int64{
	"ethereum": 12,
	"arbitrum": 12,
	"polygon":  128,
}

// VerifyRequest describes the payment an invoice expects.
type VerifyRequest struct {
	TxHash            string
	Chain             string
	ExpectedAmount    decimal.Decimal
	ExpectedToAddress string
	ExpectedAsset     string
	// AmountTolerance falls back to the settlement config when not set.
	AmountTolerance decimal.NullDecimal
}

type VerificationResult struct {
	Verified              bool
	Failure               Failure
	Transaction           ChainTransaction
	RequiredConfirmations int64
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Client     ChainClient
	Settlement *config.SettlementConfigHolder
}

type Verifier struct {
	log        *zap.Logger
	client     ChainClient
	settlement *config.SettlementConfigHolder
}

func New(p Params) *Verifier {
	return &Verifier{
		log:        p.Log.Named("payment.verifier"),
		client:     p.Client,
		settlement: p.Settlement,
	}
}

// RequiredConfirmations returns the finality threshold for a chain.
func (v *Verifier) RequiredConfirmations(chain string) (int64, bool) {
	chain = strings.ToLower(strings.TrimSpace(chain))
	if v.settlement != nil {
		if n := v.settlement.Get().Confirmations(chain); n > 0 {
			return n, true
		}
	}
	n, ok := defaultConfirmations[chain]
	return n, ok
}

// Verify checks a transaction against the expected payment. Only chain query
// problems are returned as errors; everything else is a Failure.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (VerificationResult, error) {
	chain := strings.ToLower(strings.TrimSpace(req.Chain))
	txHash := strings.TrimSpace(req.TxHash)
	if txHash == "" || chain == "" || strings.TrimSpace(req.ExpectedToAddress) == "" {
		return VerificationResult{}, ErrInvalidRequest
	}

	required, ok := v.RequiredConfirmations(chain)
	if !ok {
		return VerificationResult{}, ErrUnsupportedChain
	}

	tolerance := v.tolerance(req.AmountTolerance)

	tx, err := v.client.Transaction(ctx, Query{
		Chain:     chain,
		TxHash:    txHash,
		Recipient: req.ExpectedToAddress,
	})
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			// Not mined yet, or dropped by a reorg.
			return VerificationResult{
				Failure:               FailureInsufficientConfirmations,
				Transaction:           ChainTransaction{Chain: chain, TxHash: txHash},
				RequiredConfirmations: required,
			}, nil
		}
		return VerificationResult{}, err
	}

	result := VerificationResult{
		Transaction:           tx,
		RequiredConfirmations: required,
		Failure:               check(req, tx, tolerance, required),
	}
	result.Verified = result.Failure == FailureNone

	v.log.Debug("transaction verified",
		zap.String("chain", chain),
		zap.String("tx_hash", txHash),
		zap.Bool("verified", result.Verified),
		zap.String("failure", string(result.Failure)),
		zap.Int64("confirmations", tx.Confirmations),
		zap.Int64("required_confirmations", required),
	)
	return result, nil
}

func (v *Verifier) tolerance(override decimal.NullDecimal) decimal.Decimal {
	if override.Valid && !override.Decimal.IsNegative() {
		return override.Decimal
	}
	if v.settlement != nil {
		return v.settlement.Get().Tolerance()
	}
	return decimal.RequireFromString("0.01")
}

// check applies the rules in order; the first failure wins.
func check(req VerifyRequest, tx ChainTransaction, tolerance decimal.Decimal, required int64) Failure {
	if !strings.EqualFold(strings.TrimSpace(tx.To), strings.TrimSpace(req.ExpectedToAddress)) {
		return FailureRecipientMismatch
	}
	if asset := strings.TrimSpace(req.ExpectedAsset); asset != "" && !strings.EqualFold(tx.Asset, asset) {
		return FailureAssetMismatch
	}
	if tx.Amount.Sub(req.ExpectedAmount).Abs().GreaterThan(tolerance) {
		return FailureAmountMismatch
	}
	if tx.Status == TxStatusFailed {
		return FailureTransactionFailed
	}
	if tx.Confirmations < required {
		return FailureInsufficientConfirmations
	}
	return FailureNone
}
