package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/ledger"
	"go.uber.org/zap"
)

const sampleDocument = `
version: 1
policies:
  - id: default
    name: Default spending policy
    rules:
      - type: deny_recipients
        recipients: ["0xDEAD000000000000000000000000000000000000"]
      - type: block_above
        threshold: "100"
        currency: usd
      - type: require_approval_above
        threshold: "40"
        currency: USD
      - type: allow_all
    budgets:
      - window: daily
        max_amount: "500"
        currency: USD
  - id: research
    enabled: false
    agents: ["research-bot"]
    rules:
      - type: allow_all
alerts:
  - id: big
    type: large_transaction
`

func TestParseDocument(t *testing.T) {
	policies, err := ParseDocument([]byte(sampleDocument))
	require.NoError(t, err)
	require.Len(t, policies, 2)

	def := policies[0]
	assert.Equal(t, "default", def.ID)
	assert.True(t, def.Enabled)
	require.Len(t, def.Rules, 4)
	assert.Equal(t, "blockAbove(100 USD)", def.Rules[1].Describe())
	require.Len(t, def.Budgets, 1)
	assert.Equal(t, domain.WindowDaily, def.Budgets[0].Window)
	assert.Equal(t, "USD", def.Budgets[0].Currency)

	assert.False(t, policies[1].Enabled)
	assert.Equal(t, []string{"research-bot"}, policies[1].Agents)
}

func TestParseDocument_DrivesEngine(t *testing.T) {
	policies, err := ParseDocument([]byte(sampleDocument))
	require.NoError(t, err)

	e := NewEngine(ledger.NewMemoryLedger(), zap.NewNop())
	require.NoError(t, e.Reload(policies))

	ev := e.Evaluate(newTestTx(t, "research-bot", "45"))
	assert.Equal(t, domain.ActionRequireApproval, ev.Action)
	assert.Equal(t, "default", ev.PolicyID)

	tx := newTestTx(t, "a", "1")
	tx.Recipient = "0xdead000000000000000000000000000000000000"
	assert.Equal(t, domain.ActionDeny, e.Evaluate(tx).Action)
}

func TestParseDocument_Errors(t *testing.T) {
	tests := map[string]string{
		"unknown rule":      "policies:\n  - id: p\n    rules:\n      - type: teleport\n",
		"bad threshold":     "policies:\n  - id: p\n    rules:\n      - type: block_above\n        threshold: lots\n        currency: USD\n",
		"missing currency":  "policies:\n  - id: p\n    rules:\n      - type: flag_above\n        threshold: \"1\"\n",
		"empty recipients":  "policies:\n  - id: p\n    rules:\n      - type: deny_recipients\n",
		"missing id":        "policies:\n  - rules:\n      - type: allow_all\n",
		"duplicate id":      "policies:\n  - id: p\n  - id: p\n",
		"bad window":        "policies:\n  - id: p\n    budgets:\n      - window: weekly\n        max_amount: \"1\"\n        currency: USD\n",
		"negative budget":   "policies:\n  - id: p\n    budgets:\n      - window: daily\n        max_amount: \"-1\"\n        currency: USD\n",
		"budget w/o money":  "policies:\n  - id: p\n    budgets:\n      - window: daily\n        max_amount: \"1\"\n",
		"not yaml document": "policies: [",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDocument([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDocument))
		})
	}
}

func TestRegisterRule_CustomKind(t *testing.T) {
	RegisterRule("block_everything", func(RuleSpec) (domain.Rule, error) {
		return BlockAbove(usd("-1"), "USD"), nil
	})

	policies, err := ParseDocument([]byte("policies:\n  - id: p\n    rules:\n      - type: block_everything\n      - type: allow_all\n"))
	require.NoError(t, err)

	e := NewEngine(ledger.NewMemoryLedger(), zap.NewNop())
	require.NoError(t, e.Reload(policies))
	assert.Equal(t, domain.ActionDeny, e.Evaluate(newTestTx(t, "a", "0")).Action)
}

func TestLoader_Refresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDocument), 0o600))

	e := NewEngine(ledger.NewMemoryLedger(), zap.NewNop())
	loader := NewLoader(FileSource{Path: path}, e, zap.NewNop())
	require.NoError(t, loader.Refresh(t.Context()))
	assert.Len(t, e.Policies(), 2)

	// битый файл не сбрасывает действующий набор
	require.NoError(t, os.WriteFile(path, []byte("policies: ["), 0o600))
	require.Error(t, loader.Refresh(t.Context()))
	assert.Len(t, e.Policies(), 2)
}
