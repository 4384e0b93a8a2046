package chaintransfer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/freelancepay/internal/config"
	paymentdomain "github.com/smallbiznis/freelancepay/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = `{
  "webhookId": "wh_octjglnywaupz6th",
  "id": "whevt_ogrc5v64myey69ux",
  "createdAt": "2026-03-01T10:00:00.000Z",
  "type": "ADDRESS_ACTIVITY",
  "event": {
    "network": "ARB_MAINNET",
    "activity": [
      {
        "fromAddress": "0x503828976d22510aad0201ac7ec88293211d23da",
        "toAddress": "0x7853b3736edba9d7ce681f2a90264307694f97f2",
        "blockNum": "0xdf34a3",
        "hash": "0x7A4A39DA2A3FA1FC2EF88FD1EAEA070286ED2ABA21E0419DCFB6D5C5D9F02A72",
        "value": 50,
        "asset": "USDC",
        "category": "token",
        "rawContract": {
          "rawValue": "0x0000000000000000000000000000000000000000000000000000000002faf080",
          "address": "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
          "decimals": 6
        },
        "log": {"logIndex": "0x6e"}
      },
      {
        "fromAddress": "0x503828976d22510aad0201ac7ec88293211d23da",
        "toAddress": "0x7853b3736edba9d7ce681f2a90264307694f97f2",
        "hash": "0x8a4a39da2a3fa1fc2ef88fd1eaea070286ed2aba21e0419dcfb6d5c5d9f02a72",
        "value": 0.5,
        "asset": "ETH",
        "category": "external",
        "rawContract": {"rawValue": "0x6f05b59d3b20000", "address": null, "decimals": 18}
      }
    ]
  }
}`

func newTestAdapter(key string) *Adapter {
	cfg := config.Config{}
	cfg.Chain.WebhookSigningKey = key
	return NewAdapter(cfg, config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig()))
}

func sign(key string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(samplePayload)
	adapter := newTestAdapter("signing_key")

	headers := http.Header{}
	headers.Set(SignatureHeader, sign("signing_key", payload))
	skipped, err := adapter.Verify(context.Background(), payload, headers)
	require.NoError(t, err)
	assert.False(t, skipped)

	headers.Set(SignatureHeader, sign("other_key", payload))
	_, err = adapter.Verify(context.Background(), payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrSignatureVerificationFailed)

	headers.Set(SignatureHeader, "not-hex")
	_, err = adapter.Verify(context.Background(), payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrSignatureVerificationFailed)

	_, err = adapter.Verify(context.Background(), payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrSignatureMissing)
}

func TestVerifySkippedWithoutKey(t *testing.T) {
	skipped, err := newTestAdapter("").Verify(context.Background(), []byte(samplePayload), http.Header{})
	require.NoError(t, err)
	assert.True(t, skipped)
}

func TestParseTokenTransfers(t *testing.T) {
	notification, err := newTestAdapter("").Parse(context.Background(), []byte(samplePayload))
	require.NoError(t, err)

	assert.Equal(t, "whevt_ogrc5v64myey69ux", notification.EventID)
	assert.Equal(t, "ADDRESS_ACTIVITY", notification.EventType)
	require.Len(t, notification.Transfers, 1)

	transfer := notification.Transfers[0]
	assert.Equal(t, "arbitrum", transfer.Chain)
	assert.Equal(t, "USDC", transfer.Asset)
	assert.Equal(t, "0x7a4a39da2a3fa1fc2ef88fd1eaea070286ed2aba21e0419dcfb6d5c5d9f02a72", transfer.TxHash)
	assert.Equal(t, "0x7853b3736edba9d7ce681f2a90264307694f97f2", transfer.ToAddress)
	assert.True(t, decimal.RequireFromString("50").Equal(transfer.Amount), "amount %s", transfer.Amount)
	assert.Equal(t, int64(110), transfer.LogIndex)
}

func TestParseUnknownNetworkHasNoTransfers(t *testing.T) {
	payload := []byte(`{"id":"whevt_1","type":"ADDRESS_ACTIVITY","event":{"network":"SOL_MAINNET","activity":[{"toAddress":"0x7853b3736edba9d7ce681f2a90264307694f97f2","hash":"0x1","rawContract":{"address":"0xaf88d065e77c8cC2239327C5EDb3A432268e5831","rawValue":"0x1"}}]}}`)
	notification, err := newTestAdapter("").Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Empty(t, notification.Transfers)
}

func TestParseMalformed(t *testing.T) {
	adapter := newTestAdapter("")
	_, err := adapter.Parse(context.Background(), []byte(`{"id":`))
	assert.ErrorIs(t, err, paymentdomain.ErrMalformedPayload)

	_, err = adapter.Parse(context.Background(), []byte(`{"type":"ADDRESS_ACTIVITY"}`))
	assert.ErrorIs(t, err, paymentdomain.ErrMalformedPayload)
}
