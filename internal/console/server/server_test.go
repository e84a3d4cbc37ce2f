package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/paygate/internal/alert"
	"github.com/xela07ax/paygate/internal/breaker"
	"github.com/xela07ax/paygate/internal/console/handler"
	"github.com/xela07ax/paygate/internal/console/service"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/ledger"
	"github.com/xela07ax/paygate/internal/policy"
	"github.com/xela07ax/paygate/internal/provenance"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const document = `
policies:
  - id: default
    name: Default
    rules:
      - type: block_above
        threshold: "100"
        currency: USDC
      - type: allow_all
    budgets:
      - window: daily
        max_amount: "500"
        currency: USDC
`

func decimalOf(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	require.NoError(t, err)
	return d
}

type blockList struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (b *blockList) Block(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids[id] = true
	return nil
}

func (b *blockList) Unblock(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ids, id)
	return nil
}

func (b *blockList) Blocked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for id := range b.ids {
		out = append(out, id)
	}
	return out
}

type fixture struct {
	srv       *ConsoleServer
	ledger    *ledger.MemoryLedger
	policies  *policy.Engine
	rec       *provenance.Recorder
	breakers  *breaker.Manager
	blocked   *blockList
	published []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	f := &fixture{
		ledger:   ledger.NewMemoryLedger(),
		rec:      provenance.NewRecorder(logger),
		breakers: breaker.NewManager(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute}, logger),
		blocked:  &blockList{ids: map[string]bool{}},
	}
	f.policies = policy.NewEngine(f.ledger, logger)
	initial, err := policy.ParseDocument([]byte(document))
	require.NoError(t, err)
	require.NoError(t, f.policies.Reload(initial))

	authSvc := service.NewAuthService(service.NewStaticOperators([]domain.Operator{
		{ID: "op-admin", Username: "alice", PasswordHash: string(hash), Scopes: map[string]bool{domain.ScopeAdmin: true}},
		{ID: "op-viewer", Username: "bob", PasswordHash: string(hash), Scopes: map[string]bool{domain.ScopeReadOnly: true}},
	}), key, time.Hour, "paygate-console")

	notify := func(_ context.Context, version string) error {
		f.published = append(f.published, version)
		return nil
	}

	agentSvc := service.NewAgentService(f.blocked, logger)
	auditSvc := service.NewAuditService(f.ledger, f.rec, nil)
	policySvc := service.NewPolicyService(f.policies, nil, notify, logger)
	alerts := alert.NewEngine(f.ledger, logger)

	f.srv = NewConsoleServer(authSvc, Handlers{
		Auth:      handler.NewAuthHandler(authSvc, logger),
		Agents:    handler.NewAgentHandler(agentSvc),
		Policies:  handler.NewPolicyHandler(policySvc),
		Audit:     handler.NewAuditHandler(auditSvc),
		Dashboard: handler.NewDashboardHandler(f.breakers, alerts, auditSvc, agentSvc),
	}, logger)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.srv.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) login(t *testing.T, username string) string {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/auth/token", "", `{"username":"`+username+`","password":"s3cret"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp domain.TokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	return resp.AccessToken
}

func TestConsole_Login(t *testing.T) {
	f := newFixture(t)

	assert.NotEmpty(t, f.login(t, "alice"))
	assert.NotEmpty(t, f.login(t, "ALICE"), "usernames are case-insensitive")

	rr := f.do(t, http.MethodPost, "/auth/token", "", `{"username":"alice","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/auth/token", "", `{"username":"mallory","password":"s3cret"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/auth/token", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestConsole_AuthPerimeter(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/policies", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/policies", "garbage", "").Code)

	viewer := f.login(t, "bob")
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/policies", viewer, "").Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/agents/bot-1/block", viewer, "").Code)
	assert.Empty(t, f.blocked.Blocked())
}

func TestConsole_KillSwitch(t *testing.T) {
	f := newFixture(t)
	admin := f.login(t, "alice")

	rr := f.do(t, http.MethodPost, "/v1/agents/bot-1/block", admin, "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{"bot-1"}, f.blocked.Blocked())

	rr = f.do(t, http.MethodGet, "/v1/agents/blocked", admin, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"blocked":["bot-1"]}`, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/v1/agents/bot-1/unblock", admin, "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/agents/blocked", admin, "")
	assert.JSONEq(t, `{"blocked":[]}`, rr.Body.String())
}

func TestConsole_PoliciesAndSpend(t *testing.T) {
	f := newFixture(t)
	viewer := f.login(t, "bob")

	tx, err := domain.NewTransaction(domain.TransactionInput{
		AgentID: "bot-1", Recipient: "0xabc", Amount: decimalOf(t, "30"), Currency: "USDC",
	})
	require.NoError(t, err)
	require.NoError(t, tx.Transition(domain.TxCompleted, time.Now()))
	f.policies.RecordTransaction(tx)

	rr := f.do(t, http.MethodGet, "/v1/policies", viewer, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list []service.PolicyView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "default", list[0].ID)
	assert.Equal(t, []string{"blockAbove(100 USDC)", "allowAll()"}, list[0].Rules)

	rr = f.do(t, http.MethodGet, "/v1/policies/default/spend", viewer, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var budgets []service.BudgetView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &budgets))
	require.Len(t, budgets, 1)
	assert.Equal(t, "30", budgets[0].Spend.Amount.String())
	assert.Equal(t, "470", budgets[0].Spend.Remaining.String())

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/policies/nope", viewer, "").Code)
}

func TestConsole_PublishDocument(t *testing.T) {
	f := newFixture(t)
	admin := f.login(t, "alice")

	rr := f.do(t, http.MethodPut, "/v1/policies/document", admin, "policies:\n  - id: x\n    rules:\n      - type: teleport\n")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	_, ok := f.policies.Policy("default")
	assert.True(t, ok, "broken document must not replace the current set")

	strict := strings.ReplaceAll(document, "id: default", "id: strict")
	rr = f.do(t, http.MethodPut, "/v1/policies/document", admin, strict)
	require.Equal(t, http.StatusOK, rr.Code)

	_, ok = f.policies.Policy("strict")
	assert.True(t, ok)
	_, ok = f.policies.Policy("default")
	assert.False(t, ok)
	assert.Equal(t, []string{"0"}, f.published)
}

func TestConsole_LedgerAndProvenance(t *testing.T) {
	f := newFixture(t)
	viewer := f.login(t, "bob")

	tx, err := domain.NewTransaction(domain.TransactionInput{
		AgentID: "bot-1", Recipient: "0xabc", Amount: decimalOf(t, "5"), Currency: "USDC",
	})
	require.NoError(t, err)
	f.ledger.Record(tx)
	_, err = f.rec.Record(tx.ID, "trace-1", domain.StageIntent, domain.OutcomePass, nil)
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/v1/ledger?agent_id=bot-1&status=pending", viewer, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var txs []domain.Transaction
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, tx.ID, txs[0].ID)

	rr = f.do(t, http.MethodGet, "/v1/ledger?agent_id=other", viewer, "")
	assert.JSONEq(t, `[]`, rr.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/ledger?since=yesterday", viewer, "").Code)

	rr = f.do(t, http.MethodGet, "/v1/transactions/"+tx.ID+"/provenance", viewer, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var records []domain.ProvenanceRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, domain.StageIntent, records[0].Stage)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/transactions/missing", viewer, "").Code)
}

func TestConsole_Breakers(t *testing.T) {
	f := newFixture(t)
	admin := f.login(t, "alice")

	endpoint := "https://x402.org/facilitator"
	_, _ = f.breakers.Execute(endpoint, func() (any, error) { return nil, assert.AnError })
	require.Equal(t, breaker.StateOpen, f.breakers.State(endpoint))

	rr := f.do(t, http.MethodGet, "/v1/dashboard/stats", admin, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var stats handler.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.OpenBreakers)

	rr = f.do(t, http.MethodPost, "/v1/breakers/"+url.PathEscape(endpoint)+"/reset", admin, "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, breaker.StateClosed, f.breakers.State(endpoint))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/breakers/unknown/reset", admin, "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/v1/breakers/reset", admin, "").Code)

	rr = f.do(t, http.MethodGet, "/v1/alerts", admin, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}
