package verifier

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/freelancepay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const recipient = "0x1111111111111111111111111111111111111111"

type fakeClient struct {
	tx    ChainTransaction
	err   error
	calls int
	last  Query
}

func (f *fakeClient) Transaction(ctx context.Context, q Query) (ChainTransaction, error) {
	f.calls++
	f.last = q
	if f.err != nil {
		return ChainTransaction{}, f.err
	}
	return f.tx, nil
}

func newVerifier(client ChainClient) *Verifier {
	return New(Params{
		Log:        zap.NewNop(),
		Client:     client,
		Settlement: config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig()),
	})
}

func goodTx(chain string, confirmations int64) ChainTransaction {
	return ChainTransaction{
		Chain:         chain,
		TxHash:        "0xabc",
		To:            "0x1111111111111111111111111111111111111111",
		Asset:         "USDC",
		Amount:        decimal.RequireFromString("50.00"),
		Confirmations: confirmations,
		Status:        TxStatusSuccess,
	}
}

func request(chain string) VerifyRequest {
	return VerifyRequest{
		TxHash:            "0xabc",
		Chain:             chain,
		ExpectedAmount:    decimal.RequireFromString("50.00"),
		ExpectedToAddress: recipient,
		ExpectedAsset:     "USDC",
	}
}

func TestVerifyConfirmationThresholds(t *testing.T) {
	cases := []struct {
		chain    string
		required int64
	}{
		{"ethereum", 12},
		{"arbitrum", 12},
		{"polygon", 128},
	}
	for _, tc := range cases {
		t.Run(tc.chain, func(t *testing.T) {
			client := &fakeClient{tx: goodTx(tc.chain, tc.required-1)}
			v := newVerifier(client)

			res, err := v.Verify(context.Background(), request(tc.chain))
			require.NoError(t, err)
			assert.False(t, res.Verified)
			assert.Equal(t, FailureInsufficientConfirmations, res.Failure)
			assert.Equal(t, tc.required, res.RequiredConfirmations)

			client.tx.Confirmations = tc.required
			res, err = v.Verify(context.Background(), request(tc.chain))
			require.NoError(t, err)
			assert.True(t, res.Verified)

			client.tx.Confirmations = tc.required + 100
			res, err = v.Verify(context.Background(), request(tc.chain))
			require.NoError(t, err)
			assert.True(t, res.Verified)
		})
	}
}

func TestVerifyAmountTolerance(t *testing.T) {
	cases := []struct {
		name   string
		amount string
		ok     bool
	}{
		{"exact", "50.00", true},
		{"under by a cent", "49.99", true},
		{"over by a cent", "50.01", true},
		{"over by more", "50.011", false},
		{"under by more", "49.989", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := goodTx("arbitrum", 12)
			tx.Amount = decimal.RequireFromString(tc.amount)
			res, err := newVerifier(&fakeClient{tx: tx}).Verify(context.Background(), request("arbitrum"))
			require.NoError(t, err)
			assert.Equal(t, tc.ok, res.Verified)
			if !tc.ok {
				assert.Equal(t, FailureAmountMismatch, res.Failure)
			}
		})
	}
}

func TestVerifyToleranceOverride(t *testing.T) {
	tx := goodTx("arbitrum", 12)
	tx.Amount = decimal.RequireFromString("50.01")
	req := request("arbitrum")
	req.AmountTolerance = decimal.NewNullDecimal(decimal.Zero)

	res, err := newVerifier(&fakeClient{tx: tx}).Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, FailureAmountMismatch, res.Failure)
}

func TestVerifyCheckOrder(t *testing.T) {
	// Everything wrong at once: recipient is reported first.
	tx := ChainTransaction{
		To:            "0x2222222222222222222222222222222222222222",
		Asset:         "USDT",
		Amount:        decimal.RequireFromString("1"),
		Confirmations: 0,
		Status:        TxStatusFailed,
	}
	client := &fakeClient{tx: tx}
	v := newVerifier(client)
	ctx := context.Background()

	res, err := v.Verify(ctx, request("ethereum"))
	require.NoError(t, err)
	assert.Equal(t, FailureRecipientMismatch, res.Failure)

	client.tx.To = "0x1111111111111111111111111111111111111111"
	res, _ = v.Verify(ctx, request("ethereum"))
	assert.Equal(t, FailureAssetMismatch, res.Failure)

	client.tx.Asset = "usdc"
	res, _ = v.Verify(ctx, request("ethereum"))
	assert.Equal(t, FailureAmountMismatch, res.Failure)

	client.tx.Amount = decimal.RequireFromString("50")
	res, _ = v.Verify(ctx, request("ethereum"))
	assert.Equal(t, FailureTransactionFailed, res.Failure)

	client.tx.Status = TxStatusSuccess
	res, _ = v.Verify(ctx, request("ethereum"))
	assert.Equal(t, FailureInsufficientConfirmations, res.Failure)

	client.tx.Confirmations = 12
	res, _ = v.Verify(ctx, request("ethereum"))
	assert.True(t, res.Verified)
	assert.Equal(t, FailureNone, res.Failure)
}

func TestVerifyRecipientIsCaseInsensitive(t *testing.T) {
	tx := goodTx("ethereum", 20)
	tx.To = "0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD"
	req := request("ethereum")
	req.ExpectedToAddress = "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"

	client := &fakeClient{tx: tx}
	res, err := newVerifier(client).Verify(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, req.ExpectedToAddress, client.last.Recipient)
}

func TestVerifyAssetOptional(t *testing.T) {
	req := request("ethereum")
	req.ExpectedAsset = ""
	tx := goodTx("ethereum", 12)
	tx.Asset = "USDT"
	res, err := newVerifier(&fakeClient{tx: tx}).Verify(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Verified)
}

func TestVerifyErrors(t *testing.T) {
	ctx := context.Background()

	_, err := newVerifier(&fakeClient{}).Verify(ctx, request("solana"))
	assert.ErrorIs(t, err, ErrUnsupportedChain)

	req := request("ethereum")
	req.TxHash = " "
	_, err = newVerifier(&fakeClient{}).Verify(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	queryErr := errors.Join(ErrChainQueryFailed, context.DeadlineExceeded)
	_, err = newVerifier(&fakeClient{err: queryErr}).Verify(ctx, request("ethereum"))
	assert.ErrorIs(t, err, ErrChainQueryFailed)

	res, err := newVerifier(&fakeClient{err: ErrTransactionNotFound}).Verify(ctx, request("polygon"))
	require.NoError(t, err)
	assert.Equal(t, FailureInsufficientConfirmations, res.Failure)
	assert.Equal(t, int64(128), res.RequiredConfirmations)
}

func TestRequiredConfirmationsFollowsConfig(t *testing.T) {
	cfg := config.DefaultSettlementConfig()
	cfg.Chains[1].Confirmations = 20
	v := New(Params{
		Log:        zap.NewNop(),
		Client:     &fakeClient{},
		Settlement: config.NewStaticSettlementConfigHolder(cfg),
	})

	n, ok := v.RequiredConfirmations("ARBITRUM")
	require.True(t, ok)
	assert.Equal(t, int64(20), n)

	n, ok = v.RequiredConfirmations("polygon")
	require.True(t, ok)
	assert.Equal(t, int64(128), n)

	_, ok = v.RequiredConfirmations("solana")
	assert.False(t, ok)
}
