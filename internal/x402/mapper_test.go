package x402

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/facilitator"
)

const (
	payerLower = "0x857b06519e91e3a54538791bdbb0e22373e36b66"
	payToLower = "0x209693bc6afc0c5328ba36faf03c514ef312287c"
	usdcBase   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

var (
	payerSum = common.HexToAddress(payerLower).Hex()
	payToSum = common.HexToAddress(payToLower).Hex()
)

func exactPayment(from, value string) (facilitator.PaymentPayload, facilitator.PaymentRequirements) {
	auth := map[string]any{"to": payToLower}
	if from != "" {
		auth["from"] = from
	}
	if value != "" {
		auth["value"] = value
	}
	return facilitator.PaymentPayload{
			X402Version: 1,
			Scheme:      "exact",
			Network:     "base-sepolia",
			Payload:     map[string]any{"signature": "0xsig", "authorization": auth},
		}, facilitator.PaymentRequirements{
			Scheme:            "exact",
			Network:           "base-sepolia",
			MaxAmountRequired: "25000000",
			PayTo:             payToLower,
			Asset:             usdcBase,
			Description:       "weather api",
			Resource:          "https://api.example.com/weather",
		}
}

func TestMapper_ToTransaction(t *testing.T) {
	m := NewMapper(Config{DefaultAgent: "fallback"})
	payload, reqs := exactPayment(payerLower, "25000000")

	tx, err := m.ToTransaction(context.Background(), payload, reqs)
	require.NoError(t, err)

	assert.Equal(t, payerSum, tx.AgentID)
	assert.Equal(t, payToSum, tx.Recipient)
	assert.True(t, tx.Amount.Equal(decimal.NewFromInt(25)), tx.Amount.String())
	assert.Equal(t, "USDC", tx.Currency)
	assert.Equal(t, Protocol, tx.Protocol)
	assert.Equal(t, domain.TxPending, tx.Status)
	assert.Equal(t, "weather api", tx.Purpose)
	assert.Equal(t, "25000000", tx.Metadata["raw_amount"])
	assert.Equal(t, "base-sepolia", tx.Metadata["network"])
	assert.Equal(t, payerSum, tx.Metadata["payer"])
}

func TestMapper_AgentResolutionOrder(t *testing.T) {
	t.Run("custom resolver wins", func(t *testing.T) {
		m := NewMapper(Config{DefaultAgent: "fallback"}, WithAgentResolver(
			func(context.Context, facilitator.PaymentPayload, facilitator.PaymentRequirements) string { return "agent-42" }))
		payload, reqs := exactPayment(payerLower, "1")
		tx, err := m.ToTransaction(context.Background(), payload, reqs)
		require.NoError(t, err)
		assert.Equal(t, "agent-42", tx.AgentID)
	})

	t.Run("empty resolver falls back to payer", func(t *testing.T) {
		m := NewMapper(Config{DefaultAgent: "fallback"}, WithAgentResolver(
			func(context.Context, facilitator.PaymentPayload, facilitator.PaymentRequirements) string { return "  " }))
		payload, reqs := exactPayment(payerLower, "1")
		tx, err := m.ToTransaction(context.Background(), payload, reqs)
		require.NoError(t, err)
		assert.Equal(t, payerSum, tx.AgentID)
	})

	t.Run("no payer uses default", func(t *testing.T) {
		m := NewMapper(Config{DefaultAgent: "fallback"})
		payload, reqs := exactPayment("", "1")
		tx, err := m.ToTransaction(context.Background(), payload, reqs)
		require.NoError(t, err)
		assert.Equal(t, "fallback", tx.AgentID)
	})

	t.Run("nothing known", func(t *testing.T) {
		m := NewMapper(Config{})
		payload, reqs := exactPayment("", "1")
		tx, err := m.ToTransaction(context.Background(), payload, reqs)
		require.NoError(t, err)
		assert.Equal(t, domain.UnknownAgent, tx.AgentID)
	})
}

func TestMapper_Amounts(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		asset  string
		scheme string
		want   string
	}{
		{"usdc six decimals", "1500000", usdcBase, "exact", "1.5"},
		{"falls back to max amount", "", usdcBase, "exact", "25"},
		{"native asset eighteen decimals", "1000000000000000000", "", "exact", "1"},
		{"native scheme", "500000000000000000", usdcBase, "exact-native", "0.5"},
		{"zero", "0", usdcBase, "exact", "0"},
	}

	m := NewMapper(Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, reqs := exactPayment(payerLower, tt.value)
			reqs.Asset = tt.asset
			reqs.Scheme = tt.scheme

			tx, err := m.ToTransaction(context.Background(), payload, reqs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tx.Amount.String())
		})
	}
}

func TestMapper_InvalidAmount(t *testing.T) {
	m := NewMapper(Config{})
	for _, v := range []string{"-5", "1.5", "abc"} {
		payload, reqs := exactPayment(payerLower, v)
		_, err := m.ToTransaction(context.Background(), payload, reqs)
		assert.ErrorIs(t, err, ErrInvalidAmount, v)
	}

	payload, reqs := exactPayment(payerLower, "")
	reqs.MaxAmountRequired = ""
	_, err := m.ToTransaction(context.Background(), payload, reqs)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestMapper_PluggableDecimals(t *testing.T) {
	m := NewMapper(Config{Currency: "eurc"}, WithDecimals(DecimalsFunc(func(_, _, _ string) int32 { return 2 })))
	payload, reqs := exactPayment(payerLower, "12345")

	tx, err := m.ToTransaction(context.Background(), payload, reqs)
	require.NoError(t, err)
	assert.Equal(t, "123.45", tx.Amount.String())
	assert.Equal(t, "EURC", tx.Currency)
}

func TestHeuristicDecimals_Overrides(t *testing.T) {
	h := HeuristicDecimals{Overrides: map[string]int32{"0xdai": 18}}
	assert.EqualValues(t, 18, h.Decimals("exact", "base", "0xDAI"))
	assert.EqualValues(t, 6, h.Decimals("exact", "base", usdcBase))
	assert.EqualValues(t, 18, h.Decimals("exact", "base", "native"))
}

func TestFingerprint(t *testing.T) {
	m := NewMapper(Config{})

	p1, r1 := exactPayment(payerLower, "25000000")
	p2, r2 := exactPayment(payerSum, "25000000")
	r2.PayTo = payToSum
	assert.Equal(t, m.Fingerprint(p1, r1), m.Fingerprint(p2, r2))
	assert.Equal(t, payerLower+":"+payToLower+":25000000", m.Fingerprint(p1, r1))

	p3, r3 := exactPayment(payerLower, "25000001")
	assert.NotEqual(t, m.Fingerprint(p1, r1), m.Fingerprint(p3, r3))
}

func TestPayloadDigest(t *testing.T) {
	m := NewMapper(Config{})
	p1, r1 := exactPayment(payerLower, "25000000")
	p1.Payload["authorization"].(map[string]any)["nonce"] = "0x01"
	p2, r2 := exactPayment(payerLower, "25000000")
	p2.Payload["authorization"].(map[string]any)["nonce"] = "0x02"

	require.Equal(t, m.Fingerprint(p1, r1), m.Fingerprint(p2, r2))
	assert.NotEqual(t, PayloadDigest(p1), PayloadDigest(p2))
	assert.Equal(t, PayloadDigest(p1), PayloadDigest(p1))
	assert.Len(t, PayloadDigest(p1), 66)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, payerSum, NormalizeAddress("  "+payerLower+" "))
	assert.Equal(t, "merchant@example", NormalizeAddress("merchant@example"))
}

func TestEnrich(t *testing.T) {
	body := map[string]any{"success": true}
	out := Enrich(body, Governance{SessionID: "s", TransactionID: "tx", PolicyAction: domain.ActionAllow, Recorded: true})

	assert.NotContains(t, body, "governance")
	g, ok := out["governance"].(Governance)
	require.True(t, ok)
	assert.Equal(t, "tx", g.TransactionID)
	assert.True(t, g.Recorded)
	assert.Equal(t, true, out["success"])
}
