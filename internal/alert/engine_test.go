package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/ledger"
	"go.uber.org/zap"
)

func completedTx(t *testing.T, agent, recipient, amount string) *domain.Transaction {
	t.Helper()
	tx, err := domain.NewTransaction(domain.TransactionInput{
		AgentID:   agent,
		Recipient: recipient,
		Amount:    decimal.RequireFromString(amount),
		Currency:  "USD",
	})
	require.NoError(t, err)
	require.NoError(t, tx.Transition(domain.TxCompleted, time.Now()))
	return tx
}

// settle повторяет порядок оркестратора: сначала Ledger, потом алерты
func settle(t *testing.T, e *Engine, l ledger.Store, tx *domain.Transaction) []domain.Alert {
	t.Helper()
	l.Record(tx)
	return e.Evaluate(context.Background(), tx)
}

func ofType(alerts []domain.Alert, typ domain.AlertType) []domain.Alert {
	var out []domain.Alert
	for _, a := range alerts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func TestEngine_RateSpike(t *testing.T) {
	l := ledger.NewMemoryLedger()
	e := NewEngine(l, zap.NewNop())
	require.NoError(t, e.AddRule(RuleConfig{
		ID:              "burst",
		Type:            domain.AlertRateSpike,
		Severity:        domain.SeverityCritical,
		MaxTransactions: 5,
		Window:          60 * time.Second,
	}))

	for i := 1; i <= 5; i++ {
		fired := settle(t, e, l, completedTx(t, "agent-1", "0xr", "1"))
		assert.Empty(t, ofType(fired, domain.AlertRateSpike), "transaction %d", i)
	}

	sixth := completedTx(t, "agent-1", "0xr", "1")
	fired := ofType(settle(t, e, l, sixth), domain.AlertRateSpike)
	require.Len(t, fired, 1)
	assert.Equal(t, domain.SeverityCritical, fired[0].Severity)
	assert.Equal(t, sixth.ID, fired[0].TransactionID)
	assert.Equal(t, "burst", fired[0].RuleID)

	// другой агент считается отдельно
	assert.Empty(t, settle(t, e, l, completedTx(t, "agent-2", "0xr", "1")))
}

func TestEngine_RateSpikeWindowSlides(t *testing.T) {
	l := ledger.NewMemoryLedger()
	now := time.Now()
	e := NewEngine(l, zap.NewNop(), WithClock(func() time.Time { return now }))
	require.NoError(t, e.AddRule(RuleConfig{ID: "burst", Type: domain.AlertRateSpike, MaxTransactions: 1, Window: time.Minute}))

	old := completedTx(t, "a", "r", "1")
	old.CreatedAt = now.Add(-2 * time.Minute)
	l.Record(old)

	assert.Empty(t, settle(t, e, l, completedTx(t, "a", "r", "1")))
	assert.Len(t, settle(t, e, l, completedTx(t, "a", "r", "1")), 1)
}

func TestEngine_LateEvaluationCountsOnlyEarlierRows(t *testing.T) {
	l := ledger.NewMemoryLedger()
	e := NewEngine(l, zap.NewNop())
	require.NoError(t, e.AddRule(RuleConfig{ID: "burst", Type: domain.AlertRateSpike, MaxTransactions: 5, Window: time.Minute}))
	require.NoError(t, e.AddRule(RuleConfig{
		ID:             "daily-80",
		Type:           domain.AlertBudgetThreshold,
		BudgetWindow:   domain.WindowDaily,
		MaxAmount:      decimal.NewFromInt(100),
		Currency:       "USD",
		AlertAtPercent: decimal.NewFromInt(50),
	}))

	// весь всплеск уже в ledger к моменту оценки
	burst := make([]*domain.Transaction, 6)
	for i := range burst {
		burst[i] = completedTx(t, "agent-1", "0xr", "10")
		l.Record(burst[i])
	}

	var spikes, thresholds []string
	for _, tx := range burst {
		fired := e.Evaluate(context.Background(), tx)
		for _, a := range ofType(fired, domain.AlertRateSpike) {
			spikes = append(spikes, a.TransactionID)
		}
		for _, a := range ofType(fired, domain.AlertBudgetThreshold) {
			thresholds = append(thresholds, a.TransactionID)
		}
	}
	assert.Equal(t, []string{burst[5].ID}, spikes)
	assert.Equal(t, []string{burst[4].ID}, thresholds, "50 of 100 is reached by the fifth payment")
}

func TestEngine_RateSpikeByRecipient(t *testing.T) {
	l := ledger.NewMemoryLedger()
	e := NewEngine(l, zap.NewNop())
	require.NoError(t, e.AddRule(RuleConfig{ID: "hot-payee", Type: domain.AlertRateSpike, MaxTransactions: 2, Window: time.Minute, Subject: SubjectRecipient}))

	assert.Empty(t, settle(t, e, l, completedTx(t, "a", "0xshop", "1")))
	assert.Empty(t, settle(t, e, l, completedTx(t, "b", "0xshop", "1")))
	fired := settle(t, e, l, completedTx(t, "c", "0xshop", "1"))
	require.Len(t, fired, 1)
	assert.Contains(t, fired[0].Message, "0xshop")
}

func TestEngine_NewRecipientOncePerPair(t *testing.T) {
	l := ledger.NewMemoryLedger()
	e := NewEngine(l, zap.NewNop())
	require.NoError(t, e.AddRule(RuleConfig{ID: "new-payee", Type: domain.AlertNewRecipient, Severity: domain.SeverityInfo}))

	first := ofType(settle(t, e, l, completedTx(t, "a", "0xAbC", "1")), domain.AlertNewRecipient)
	require.Len(t, first, 1)
	assert.Equal(t, domain.SeverityInfo, first[0].Severity)

	for i := 0; i < 10; i++ {
		assert.Empty(t, settle(t, e, l, completedTx(t, "a", "0xabc", "1")))
	}

	// та же пара у другого агента — новая
	assert.Len(t, settle(t, e, l, completedTx(t, "b", "0xabc", "1")), 1)
}

func TestEngine_NewRecipientConcurrent(t *testing.T) {
	l := ledger.NewMemoryLedger()
	e := NewEngine(l, zap.NewNop())
	require.NoError(t, e.AddRule(RuleConfig{ID: "new-payee", Type: domain.AlertNewRecipient}))

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, _ := domain.NewTransaction(domain.TransactionInput{AgentID: "a", Recipient: "r", Amount: decimal.NewFromInt(1), Currency: "USD"})
			n := len(e.Evaluate(context.Background(), tx))
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)
}

func TestEngine_LargeTransaction(t *testing.T) {
	l := ledger.NewMemoryLedger()
	e := NewEngine(l, zap.NewNop())
	require.NoError(t, e.AddRule(RuleConfig{ID: "big", Type: domain.AlertLargeTransaction, Threshold: decimal.NewFromInt(1000), Currency: "usd"}))

	assert.Empty(t, settle(t, e, l, completedTx(t, "a", "r", "1000")))
	fired := settle(t, e, l, completedTx(t, "a", "r", "1000.5"))
	require.Len(t, fired, 1)
	assert.Equal(t, domain.SeverityWarning, fired[0].Severity)

	eur := completedTx(t, "a", "r", "5000")
	eur.Currency = "EUR"
	assert.Empty(t, settle(t, e, l, eur))

	// без дедупликации по ID: повторная оценка снова срабатывает
	again := completedTx(t, "a", "r", "2000")
	assert.Len(t, settle(t, e, l, again), 1)
	assert.Len(t, e.Evaluate(context.Background(), again), 1)
}

func TestEngine_BudgetThresholdFiresOnCrossing(t *testing.T) {
	l := ledger.NewMemoryLedger()
	e := NewEngine(l, zap.NewNop())
	require.NoError(t, e.AddRule(RuleConfig{
		ID:             "daily-80",
		Type:           domain.AlertBudgetThreshold,
		BudgetWindow:   domain.WindowDaily,
		MaxAmount:      decimal.NewFromInt(500),
		Currency:       "USD",
		AlertAtPercent: decimal.NewFromInt(80),
	}))

	assert.Empty(t, settle(t, e, l, completedTx(t, "a", "r", "300")))
	assert.Empty(t, settle(t, e, l, completedTx(t, "a", "r", "99")))

	fired := settle(t, e, l, completedTx(t, "a", "r", "1")) // 400 = 80%
	require.Len(t, fired, 1)
	assert.Equal(t, domain.AlertBudgetThreshold, fired[0].Type)

	// дальше в том же окне тишина
	assert.Empty(t, settle(t, e, l, completedTx(t, "a", "r", "50")))

	// другой агент считает свой бюджет
	assert.Len(t, settle(t, e, l, completedTx(t, "b", "r", "450")), 1)
}

func TestEngine_SubscribersIsolated(t *testing.T) {
	l := ledger.NewMemoryLedger()
	e := NewEngine(l, zap.NewNop())
	require.NoError(t, e.AddRule(RuleConfig{ID: "new-payee", Type: domain.AlertNewRecipient}))

	var got []string
	e.OnAlert(func(context.Context, domain.Alert) { panic("pager is down") })
	e.OnAlert(func(_ context.Context, a domain.Alert) { got = append(got, a.RuleID) })

	fired := settle(t, e, l, completedTx(t, "a", "r", "1"))
	assert.Len(t, fired, 1)
	assert.Equal(t, []string{"new-payee"}, got)
}

type failingSeen struct{}

func (failingSeen) Add(context.Context, string, string) (bool, error) {
	return false, assert.AnError
}

func TestEngine_RuleFailureFailsOpen(t *testing.T) {
	l := ledger.NewMemoryLedger()
	e := NewEngine(l, zap.NewNop(), WithSeenSet(failingSeen{}))
	require.NoError(t, e.AddRule(RuleConfig{ID: "new-payee", Type: domain.AlertNewRecipient}))
	require.NoError(t, e.AddRule(RuleConfig{ID: "big", Type: domain.AlertLargeTransaction, Threshold: decimal.NewFromInt(1), Currency: "USD"}))

	fired := settle(t, e, l, completedTx(t, "a", "r", "5"))
	require.Len(t, fired, 1)
	assert.Equal(t, "big", fired[0].RuleID)
}

func TestEngine_DisabledAndReplacedRules(t *testing.T) {
	l := ledger.NewMemoryLedger()
	e := NewEngine(l, zap.NewNop())
	require.NoError(t, e.AddRule(RuleConfig{ID: "big", Type: domain.AlertLargeTransaction, Threshold: decimal.NewFromInt(1), Currency: "USD"}))
	require.NoError(t, e.AddRule(RuleConfig{ID: "big", Type: domain.AlertLargeTransaction, Threshold: decimal.NewFromInt(1), Currency: "USD", Disabled: true}))

	assert.Len(t, e.Rules(), 1)
	assert.Empty(t, settle(t, e, l, completedTx(t, "a", "r", "5")))
}

func TestEngine_InvalidRules(t *testing.T) {
	e := NewEngine(ledger.NewMemoryLedger(), zap.NewNop())

	bad := []RuleConfig{
		{Type: domain.AlertNewRecipient},
		{ID: "x", Type: "teleport"},
		{ID: "x", Type: domain.AlertNewRecipient, Severity: "loud"},
		{ID: "x", Type: domain.AlertLargeTransaction},
		{ID: "x", Type: domain.AlertRateSpike, MaxTransactions: 0, Window: time.Second},
		{ID: "x", Type: domain.AlertRateSpike, MaxTransactions: 1, Window: time.Second, Subject: "planet"},
		{ID: "x", Type: domain.AlertBudgetThreshold, BudgetWindow: "weekly", MaxAmount: decimal.NewFromInt(1), Currency: "USD", AlertAtPercent: decimal.NewFromInt(50)},
		{ID: "x", Type: domain.AlertBudgetThreshold, BudgetWindow: domain.WindowDaily, MaxAmount: decimal.NewFromInt(1), Currency: "USD", AlertAtPercent: decimal.NewFromInt(150)},
	}
	for _, cfg := range bad {
		assert.ErrorIs(t, e.AddRule(cfg), ErrInvalidRule, "%+v", cfg)
	}
}

func TestEngine_RecentRing(t *testing.T) {
	l := ledger.NewMemoryLedger()
	e := NewEngine(l, zap.NewNop(), WithRecentSize(3))
	require.NoError(t, e.AddRule(RuleConfig{ID: "big", Type: domain.AlertLargeTransaction, Threshold: decimal.Zero, Currency: "USD"}))

	assert.Empty(t, e.Recent(10))

	var ids []string
	for i := 0; i < 5; i++ {
		fired := settle(t, e, l, completedTx(t, "a", "r", "1"))
		ids = append(ids, fired[0].ID)
	}

	recent := e.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, ids[4], recent[0].ID)
	assert.Equal(t, ids[2], recent[2].ID)
	assert.Len(t, e.Recent(2), 2)
}
