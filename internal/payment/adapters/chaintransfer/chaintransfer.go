// Package chaintransfer verifies and decodes address-activity notifications
// from the chain notifier (Alchemy webhook format).
package chaintransfer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/freelancepay/internal/config"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
)

const SignatureHeader = "X-Alchemy-Signature"

var networks = map[string]string{
	"ETH_MAINNET":     "ethereum",
	"ARB_MAINNET":     "arbitrum",
	"MATIC_MAINNET":   "polygon",
	"POLYGON_MAINNET": "polygon",
}

// ChainForNetwork maps a notifier network id to a chain name.
func ChainForNetwork(network string) (string, bool) {
	chain, ok := networks[strings.ToUpper(strings.TrimSpace(network))]
	return chain, ok
}

type Adapter struct {
	signingKey string
	settlement *config.SettlementConfigHolder
}

func NewAdapter(cfg config.Config, settlement *config.SettlementConfigHolder) *Adapter {
	return &Adapter{
		signingKey: strings.TrimSpace(cfg.Chain.WebhookSigningKey),
		settlement: settlement,
	}
}

func (a *Adapter) Provider() string {
	return paymentdomain.ProviderChain
}

// Verify checks hex(HMAC-SHA256(key, body)). With no key configured the
// check is skipped and skipped is true.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) (skipped bool, err error) {
	if a.signingKey == "" {
		return true, nil
	}
	signature := strings.TrimSpace(headers.Get(SignatureHeader))
	if signature == "" {
		return false, paymentdomain.ErrSignatureMissing
	}
	given, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(signature), "0x"))
	if err != nil {
		return false, paymentdomain.ErrSignatureVerificationFailed
	}
	mac := hmac.New(sha256.New, []byte(a.signingKey))
	_, _ = mac.Write(payload)
	if !hmac.Equal(given, mac.Sum(nil)) {
		return false, paymentdomain.ErrSignatureVerificationFailed
	}
	return false, nil
}

type notification struct {
	WebhookID string `json:"webhookId"`
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
	Type      string `json:"type"`
	Event     struct {
		Network  string     `json:"network"`
		Activity []activity `json:"activity"`
	} `json:"event"`
}

type activity struct {
	FromAddress string       `json:"fromAddress"`
	ToAddress   string       `json:"toAddress"`
	Hash        string       `json:"hash"`
	Value       json.Number  `json:"value"`
	Asset       string       `json:"asset"`
	Category    string       `json:"category"`
	RawContract rawContract  `json:"rawContract"`
	Log         *activityLog `json:"log"`
}

type rawContract struct {
	RawValue string          `json:"rawValue"`
	Address  string          `json:"address"`
	Decimals json.RawMessage `json:"decimals"`
}

type activityLog struct {
	LogIndex string `json:"logIndex"`
}

// Parse decodes a notification into token transfers. It never matches
// transfers to invoices.
func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.ChainNotification, error) {
	var raw notification
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return nil, paymentdomain.ErrMalformedPayload
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, paymentdomain.ErrMalformedPayload
	}

	out := &paymentdomain.ChainNotification{
		EventID:   strings.TrimSpace(raw.ID),
		WebhookID: raw.WebhookID,
		EventType: raw.Type,
		Network:   raw.Event.Network,
		CreatedAt: parseTime(raw.CreatedAt),
	}

	chain, ok := ChainForNetwork(raw.Event.Network)
	if !ok {
		return out, nil
	}

	var settings config.SettlementConfig
	if a.settlement != nil {
		settings = a.settlement.Get()
	}

	for _, act := range raw.Event.Activity {
		transfer, ok := toTransfer(chain, act, settings)
		if !ok {
			continue
		}
		out.Transfers = append(out.Transfers, transfer)
	}
	return out, nil
}

func toTransfer(chain string, act activity, settings config.SettlementConfig) (paymentdomain.ChainTransfer, bool) {
	contract := strings.TrimSpace(act.RawContract.Address)
	if contract == "" || !common.IsHexAddress(act.ToAddress) || strings.TrimSpace(act.Hash) == "" {
		return paymentdomain.ChainTransfer{}, false
	}

	asset := strings.ToUpper(strings.TrimSpace(act.Asset))
	decimals := int32(-1)
	if token, ok := settings.TokenByContract(chain, contract); ok {
		asset = strings.ToUpper(token.Asset)
		decimals = token.Decimals
	} else if d, ok := parseDecimals(act.RawContract.Decimals); ok {
		decimals = d
	}

	amount, ok := transferAmount(act, decimals)
	if !ok {
		return paymentdomain.ChainTransfer{}, false
	}

	var logIndex int64
	if act.Log != nil {
		if idx, err := hexutil.DecodeUint64(normalizeHex(act.Log.LogIndex)); err == nil {
			logIndex = int64(idx)
		}
	}

	return paymentdomain.ChainTransfer{
		Chain:           chain,
		TxHash:          strings.ToLower(strings.TrimSpace(act.Hash)),
		FromAddress:     act.FromAddress,
		ToAddress:       act.ToAddress,
		Asset:           asset,
		ContractAddress: contract,
		Amount:          amount,
		LogIndex:        logIndex,
	}, true
}

// transferAmount prefers the exact raw integer value; the float "value"
// field is a fallback.
func transferAmount(act activity, decimals int32) (decimal.Decimal, bool) {
	if decimals >= 0 && act.RawContract.RawValue != "" {
		if value, err := hexutil.DecodeBig(normalizeHex(act.RawContract.RawValue)); err == nil {
			return decimal.NewFromBigInt(value, -decimals), true
		}
	}
	if act.Value != "" {
		if value, err := decimal.NewFromString(act.Value.String()); err == nil {
			return value, true
		}
	}
	return decimal.Zero, false
}

// normalizeHex strips leading zeros, which hexutil rejects as quantities.
func normalizeHex(raw string) string {
	digits := strings.TrimLeft(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x"), "0")
	if digits == "" {
		digits = "0"
	}
	return "0x" + digits
}

func parseDecimals(raw json.RawMessage) (int32, bool) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" || text == "null" {
		return 0, false
	}
	if strings.HasPrefix(text, "0x") {
		value, err := hexutil.DecodeUint64(normalizeHex(text))
		if err != nil {
			return 0, false
		}
		return int32(value), true
	}
	value, ok := new(big.Int).SetString(text, 10)
	if !ok || !value.IsInt64() {
		return 0, false
	}
	return int32(value.Int64()), true
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}
