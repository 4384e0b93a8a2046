// Package chainquery reads ERC-20 transfers from EVM JSON-RPC nodes.
package chainquery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/freelancepay/internal/config"
	"github.com/smallbiznis/freelancepay/internal/payment/verifier"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	transferTopic    = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
)

// EVMClient is the subset of ethclient.Client used here.
type EVMClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Dialer opens a client for an RPC endpoint.
type Dialer func(ctx context.Context, rawURL string) (EVMClient, error)

func dialEthclient(ctx context.Context, rawURL string) (EVMClient, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Settlement *config.SettlementConfigHolder
}

type Client struct {
	log        *zap.Logger
	settlement *config.SettlementConfigHolder
	timeout    time.Duration
	urls       map[string]string
	dial       Dialer

	mu      sync.Mutex
	clients map[string]EVMClient
}

func New(p Params) *Client {
	urls := make(map[string]string, len(p.Cfg.Chain.RPCURLs))
	for chain, url := range p.Cfg.Chain.RPCURLs {
		if url = strings.TrimSpace(url); url != "" {
			urls[strings.ToLower(chain)] = url
		}
	}
	return &Client{
		log:        p.Log.Named("payment.chainquery"),
		settlement: p.Settlement,
		timeout:    p.Cfg.Chain.QueryTimeout,
		urls:       urls,
		dial:       dialEthclient,
		clients:    map[string]EVMClient{},
	}
}

// NewWithClients builds a Client over already connected chain clients.
func NewWithClients(log *zap.Logger, settlement *config.SettlementConfigHolder, timeout time.Duration, clients map[string]EVMClient) *Client {
	c := &Client{
		log:        log.Named("payment.chainquery"),
		settlement: settlement,
		timeout:    timeout,
		urls:       map[string]string{},
		clients:    map[string]EVMClient{},
	}
	for chain, client := range clients {
		c.clients[strings.ToLower(chain)] = client
	}
	return c
}

// Provide exposes the client to the verifier.
func Provide(c *Client) verifier.ChainClient { return c }

// Transaction fetches the receipt and head block and decodes the token
// transfer to q.Recipient.
func (c *Client) Transaction(ctx context.Context, q verifier.Query) (verifier.ChainTransaction, error) {
	chain := strings.ToLower(strings.TrimSpace(q.Chain))
	if !isHash(q.TxHash) {
		return verifier.ChainTransaction{}, verifier.ErrTransactionNotFound
	}
	hash := common.HexToHash(q.TxHash)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	client, err := c.client(ctx, chain)
	if err != nil {
		return verifier.ChainTransaction{}, err
	}

	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return verifier.ChainTransaction{}, verifier.ErrTransactionNotFound
		}
		return verifier.ChainTransaction{}, queryFailed("receipt", err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return verifier.ChainTransaction{}, verifier.ErrTransactionNotFound
	}

	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return verifier.ChainTransaction{}, queryFailed("head", err)
	}

	tx := verifier.ChainTransaction{
		Chain:         chain,
		TxHash:        strings.ToLower(hash.Hex()),
		Confirmations: confirmations(head.Number, receipt.BlockNumber),
		Status:        verifier.TxStatusSuccess,
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		tx.Status = verifier.TxStatusFailed
	}

	settings := c.settlement.Get()
	if c.fromLogs(settings, chain, receipt.Logs, q.Recipient, &tx) {
		return tx, nil
	}

	// Reverted transfers emit no logs; read the intent from calldata.
	if tx.Status == verifier.TxStatusFailed {
		raw, _, err := client.TransactionByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return tx, nil
			}
			return verifier.ChainTransaction{}, queryFailed("transaction", err)
		}
		fromCalldata(settings, chain, raw, &tx)
	}
	return tx, nil
}

func (c *Client) client(ctx context.Context, chain string) (EVMClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[chain]; ok {
		return client, nil
	}
	url, ok := c.urls[chain]
	if !ok || c.dial == nil {
		return nil, fmt.Errorf("%w: no rpc endpoint for %s", verifier.ErrUnsupportedChain, chain)
	}
	client, err := c.dial(ctx, url)
	if err != nil {
		return nil, queryFailed("dial", err)
	}
	c.clients[chain] = client
	c.log.Info("chain rpc client connected", zap.String("chain", chain))
	return client, nil
}

func (c *Client) fromLogs(settings config.SettlementConfig, chain string, logs []*types.Log, recipient string, tx *verifier.ChainTransaction) bool {
	found := false
	for _, entry := range logs {
		if entry == nil || len(entry.Topics) != 3 || entry.Topics[0] != transferTopic {
			continue
		}
		token, ok := settings.TokenByContract(chain, entry.Address.Hex())
		if !ok {
			continue
		}
		to := common.BytesToAddress(entry.Topics[2].Bytes())
		if found && !strings.EqualFold(to.Hex(), recipient) {
			continue
		}
		tx.From = common.BytesToAddress(entry.Topics[1].Bytes()).Hex()
		tx.To = to.Hex()
		tx.Asset = strings.ToUpper(token.Asset)
		tx.Amount = decimal.NewFromBigInt(new(big.Int).SetBytes(entry.Data), -token.Decimals)
		found = true
		if strings.EqualFold(to.Hex(), recipient) {
			return true
		}
	}
	return found
}

func fromCalldata(settings config.SettlementConfig, chain string, raw *types.Transaction, tx *verifier.ChainTransaction) {
	if raw == nil || raw.To() == nil {
		return
	}
	data := raw.Data()
	if len(data) != 4+64 || string(data[:4]) != string(transferSelector) {
		return
	}
	token, ok := settings.TokenByContract(chain, raw.To().Hex())
	if !ok {
		return
	}
	tx.To = common.BytesToAddress(data[4:36]).Hex()
	tx.Asset = strings.ToUpper(token.Asset)
	tx.Amount = decimal.NewFromBigInt(new(big.Int).SetBytes(data[36:68]), -token.Decimals)
}

// confirmations counts blocks built on top of the one holding the
// transaction; the including block itself does not count.
func confirmations(head, block *big.Int) int64 {
	if head == nil || block == nil || head.Cmp(block) <= 0 {
		return 0
	}
	return new(big.Int).Sub(head, block).Int64()
}

func isHash(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	return len(s) == 2+2*common.HashLength && isHex(s[2:])
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func queryFailed(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", verifier.ErrChainQueryFailed, op, err)
}
