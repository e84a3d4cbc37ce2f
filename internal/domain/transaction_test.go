package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransaction_Defaults(t *testing.T) {
	tx, err := NewTransaction(TransactionInput{
		AgentID:   "  ",
		Recipient: " 0xabc ",
		Amount:    decimal.RequireFromString("12.5"),
		Currency:  "usd",
		Metadata:  map[string]any{"k": "v"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, UnknownAgent, tx.AgentID)
	assert.Equal(t, "0xabc", tx.Recipient)
	assert.Equal(t, "USD", tx.Currency)
	assert.Equal(t, TxPending, tx.Status)
	assert.Equal(t, tx.CreatedAt, tx.UpdatedAt)
}

func TestNewTransaction_UniqueIDs(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		tx, err := NewTransaction(TransactionInput{AgentID: "a", Amount: decimal.NewFromInt(1), Currency: "USD"})
		require.NoError(t, err)
		_, dup := seen[tx.ID]
		require.False(t, dup)
		seen[tx.ID] = struct{}{}
	}
}

func TestNewTransaction_RejectsNegativeAmount(t *testing.T) {
	_, err := NewTransaction(TransactionInput{AgentID: "a", Amount: decimal.NewFromInt(-1), Currency: "USD"})
	assert.True(t, errors.Is(err, ErrNegativeAmount))
}

func TestTransaction_Transition(t *testing.T) {
	tx, err := NewTransaction(TransactionInput{AgentID: "a", Amount: decimal.NewFromInt(5), Currency: "USD"})
	require.NoError(t, err)

	at := tx.CreatedAt.Add(time.Second)
	require.NoError(t, tx.Transition(TxCompleted, at))
	assert.Equal(t, TxCompleted, tx.Status)
	assert.Equal(t, at, tx.UpdatedAt)
	assert.True(t, tx.IsTerminal())

	err = tx.Transition(TxFailed, at.Add(time.Second))
	assert.True(t, errors.Is(err, ErrAlreadyTerminal))
	assert.Equal(t, TxCompleted, tx.Status)
}

func TestTransaction_TransitionToPendingIsInvalid(t *testing.T) {
	tx, err := NewTransaction(TransactionInput{AgentID: "a", Amount: decimal.NewFromInt(5), Currency: "USD"})
	require.NoError(t, err)

	assert.True(t, errors.Is(tx.Transition(TxPending, time.Now()), ErrInvalidTransition))
}

func TestTransaction_CloneIsolatesMetadata(t *testing.T) {
	tx, err := NewTransaction(TransactionInput{AgentID: "a", Amount: decimal.NewFromInt(5), Currency: "USD", Metadata: map[string]any{"n": 1}})
	require.NoError(t, err)

	c := tx.Clone()
	c.Metadata["n"] = 2
	c.Status = TxFailed

	assert.Equal(t, 1, tx.Metadata["n"])
	assert.Equal(t, TxPending, tx.Status)
}

func TestWindow_Duration(t *testing.T) {
	d, err := WindowMonthly.Duration()
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, d)

	_, err = Window("weekly").Duration()
	assert.Error(t, err)
}

func TestAction_Allowed(t *testing.T) {
	assert.True(t, ActionAllow.Allowed())
	assert.True(t, ActionFlag.Allowed())
	assert.False(t, ActionDeny.Allowed())
	assert.False(t, ActionRequireApproval.Allowed())
}
