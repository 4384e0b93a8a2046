package chainquery

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/freelancepay/internal/config"
	"github.com/smallbiznis/freelancepay/internal/payment/verifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	arbUSDC = "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"
	txHash  = "0x5f3b1a4b0c9f1e2d3c4b5a69788796a5b4c3d2e1f0a9b8c7d6e5f4a3b2c1d0e9"
)

var (
	payer    = common.HexToAddress("0x9999999999999999999999999999999999999999")
	merchant = common.HexToAddress("0x1111111111111111111111111111111111111111")
	other    = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fakeEVM struct {
	receipt    *types.Receipt
	receiptErr error
	head       *types.Header
	tx         *types.Transaction
	block      chan struct{}
}

func (f *fakeEVM) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.receipt, f.receiptErr
}

func (f *fakeEVM) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if f.tx == nil {
		return nil, false, ethereum.NotFound
	}
	return f.tx, false, nil
}

func (f *fakeEVM) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return f.head, nil
}

func transferLog(contract string, from, to common.Address, units int64) *types.Log {
	return &types.Log{
		Address: common.HexToAddress(contract),
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(units).Bytes(), 32),
	}
}

func newClient(evm EVMClient, timeout time.Duration) *Client {
	return NewWithClients(
		zap.NewNop(),
		config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig()),
		timeout,
		map[string]EVMClient{"arbitrum": evm},
	)
}

func TestTransactionDecodesTransferLog(t *testing.T) {
	evm := &fakeEVM{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			Logs: []*types.Log{
				transferLog(arbUSDC, payer, other, 1_000_000),
				transferLog(arbUSDC, payer, merchant, 50_000_000),
			},
		},
		head: &types.Header{Number: big.NewInt(104)},
	}

	tx, err := newClient(evm, time.Second).Transaction(context.Background(), verifier.Query{
		Chain:     "Arbitrum",
		TxHash:    txHash,
		Recipient: "0x1111111111111111111111111111111111111111",
	})
	require.NoError(t, err)
	assert.Equal(t, "arbitrum", tx.Chain)
	assert.Equal(t, txHash, tx.TxHash)
	assert.Equal(t, merchant.Hex(), tx.To)
	assert.Equal(t, payer.Hex(), tx.From)
	assert.Equal(t, "USDC", tx.Asset)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("50")))
	assert.Equal(t, int64(4), tx.Confirmations)
	assert.Equal(t, verifier.TxStatusSuccess, tx.Status)
}

func TestTransactionIgnoresUnknownContracts(t *testing.T) {
	evm := &fakeEVM{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(10),
			Logs:        []*types.Log{transferLog("0x3333333333333333333333333333333333333333", payer, merchant, 50_000_000)},
		},
		head: &types.Header{Number: big.NewInt(10)},
	}

	tx, err := newClient(evm, time.Second).Transaction(context.Background(), verifier.Query{Chain: "arbitrum", TxHash: txHash, Recipient: merchant.Hex()})
	require.NoError(t, err)
	assert.Empty(t, tx.To)
	assert.Zero(t, tx.Confirmations)
}

func TestTransactionRevertedUsesCalldata(t *testing.T) {
	contract := common.HexToAddress(arbUSDC)
	data := append([]byte{}, transferSelector...)
	data = append(data, common.LeftPadBytes(merchant.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(50_000_000).Bytes(), 32)...)

	evm := &fakeEVM{
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(50)},
		head:    &types.Header{Number: big.NewInt(80)},
		tx:      types.NewTx(&types.LegacyTx{To: &contract, Data: data, Gas: 60000, GasPrice: big.NewInt(1)}),
	}

	tx, err := newClient(evm, time.Second).Transaction(context.Background(), verifier.Query{Chain: "arbitrum", TxHash: txHash, Recipient: merchant.Hex()})
	require.NoError(t, err)
	assert.Equal(t, verifier.TxStatusFailed, tx.Status)
	assert.Equal(t, merchant.Hex(), tx.To)
	assert.Equal(t, "USDC", tx.Asset)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("50")))
}

func TestTransactionNotFound(t *testing.T) {
	evm := &fakeEVM{receiptErr: ethereum.NotFound}
	_, err := newClient(evm, time.Second).Transaction(context.Background(), verifier.Query{Chain: "arbitrum", TxHash: txHash})
	assert.ErrorIs(t, err, verifier.ErrTransactionNotFound)

	_, err = newClient(evm, time.Second).Transaction(context.Background(), verifier.Query{Chain: "arbitrum", TxHash: "0x1234"})
	assert.ErrorIs(t, err, verifier.ErrTransactionNotFound)
}

func TestTransactionQueryFailures(t *testing.T) {
	evm := &fakeEVM{receiptErr: errors.New("connection refused")}
	_, err := newClient(evm, time.Second).Transaction(context.Background(), verifier.Query{Chain: "arbitrum", TxHash: txHash})
	assert.ErrorIs(t, err, verifier.ErrChainQueryFailed)

	_, err = newClient(evm, time.Second).Transaction(context.Background(), verifier.Query{Chain: "polygon", TxHash: txHash})
	assert.ErrorIs(t, err, verifier.ErrUnsupportedChain)
}

func TestTransactionTimeout(t *testing.T) {
	evm := &fakeEVM{block: make(chan struct{})}
	start := time.Now()
	_, err := newClient(evm, 20*time.Millisecond).Transaction(context.Background(), verifier.Query{Chain: "arbitrum", TxHash: txHash})
	assert.ErrorIs(t, err, verifier.ErrChainQueryFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConfirmations(t *testing.T) {
	assert.Equal(t, int64(0), confirmations(big.NewInt(7), big.NewInt(7)))
	assert.Equal(t, int64(1), confirmations(big.NewInt(8), big.NewInt(7)))
	assert.Equal(t, int64(12), confirmations(big.NewInt(19), big.NewInt(7)))
	assert.Equal(t, int64(0), confirmations(big.NewInt(6), big.NewInt(7)))
	assert.Equal(t, int64(0), confirmations(nil, big.NewInt(7)))
}
