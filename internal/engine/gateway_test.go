package engine

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/facilitator"
	"go.uber.org/zap"
)

func postJSON(t *testing.T, h http.Handler, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	out := map[string]any{}
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return rr, out
}

func governance(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	g, ok := body["governance"].(map[string]any)
	require.True(t, ok, "response must carry a governance block: %v", body)
	return g
}

func TestGateway_Health(t *testing.T) {
	h := newHarness(t)
	gw := NewGateway(h.orch, zap.NewNop())

	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get(HeaderTraceID))
}

func TestGateway_SettleEnrichesResponse(t *testing.T) {
	h := newHarness(t)
	gw := NewGateway(h.orch, zap.NewNop())

	rr, body := postJSON(t, gw, "/v1/settle", payment(testPayer, "12"), map[string]string{HeaderTraceID: "session-42"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "session-42", rr.Header().Get(HeaderTraceID))
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["transaction"])

	g := governance(t, body)
	assert.Equal(t, "session-42", g["sessionId"])
	assert.Equal(t, "allow", g["policyAction"])
	assert.Equal(t, true, g["recorded"])
	assert.NotEmpty(t, g["transactionId"])
}

func TestGateway_VerifyDenied(t *testing.T) {
	h := newHarness(t)
	gw := NewGateway(h.orch, zap.NewNop())

	rr, body := postJSON(t, gw, "/v1/verify", payment(testPayer, "45"), nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, false, body["isValid"])
	assert.True(t, strings.HasPrefix(body["invalidReason"].(string), "policy_denied: "))

	g := governance(t, body)
	assert.Equal(t, "require_approval", g["policyAction"])
	assert.Equal(t, false, g["recorded"])
	assert.Zero(t, h.client.VerifyCalls())
}

func TestGateway_IntentUsesAgentHeader(t *testing.T) {
	h := newHarness(t, withAgentHeader())
	gw := NewGateway(h.orch, zap.NewNop())

	rr, body := postJSON(t, gw, "/v1/intent", payment(testPayer, "5"), map[string]string{HeaderAgentID: "research-bot"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["proceed"])

	txID := governance(t, body)["transactionId"].(string)
	tx, ok := h.ledger.Get(txID)
	require.True(t, ok)
	assert.Equal(t, "research-bot", tx.AgentID)
	assert.Equal(t, domain.TxPending, tx.Status)
}

func TestGateway_BadRequests(t *testing.T) {
	h := newHarness(t)
	gw := NewGateway(h.orch, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/settle", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	p := payment(testPayer, "5")
	p.Payload.Payload["authorization"].(map[string]any)["value"] = "1.5"
	rr, body := postJSON(t, gw, "/v1/settle", p, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, body["error"], "invalid amount")
}

func TestGateway_BreakerOpenReturns503(t *testing.T) {
	h := newHarness(t)
	h.client.SettleErr = facilitator.ErrMockUnavailable
	gw := NewGateway(h.orch, zap.NewNop())

	for range 3 {
		rr, body := postJSON(t, gw, "/v1/settle", payment(testPayer, "5"), nil)
		require.Equal(t, http.StatusBadGateway, rr.Code)
		assert.Equal(t, true, body["retryable"])
		assert.Equal(t, "network", body["kind"])
	}

	rr, body := postJSON(t, gw, "/v1/settle", payment(testPayer, "5"), nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Equal(t, "circuit_open", body["kind"])
}

func TestGateway_RejectedSettleIsPassedThrough(t *testing.T) {
	h := newHarness(t)
	h.client.RejectReason = "insufficient_funds"
	gw := NewGateway(h.orch, zap.NewNop())

	rr, body := postJSON(t, gw, "/v1/settle", payment(testPayer, "5"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "insufficient_funds", body["errorReason"])
	assert.Equal(t, false, governance(t, body)["recorded"])
}

func TestGateway_Supported(t *testing.T) {
	h := newHarness(t)
	gw := NewGateway(h.orch, zap.NewNop())

	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/supported", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp facilitator.SupportedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp.Networks(), "base-sepolia")
}

func TestGateway_MiddlewareGuardsPaymentRoutes(t *testing.T) {
	h := newHarness(t)
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	gw := NewGateway(h.orch, zap.NewNop(), deny)

	rr, _ := postJSON(t, gw, "/v1/settle", payment(testPayer, "5"), nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	gw.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Zero(t, h.client.SettleCalls())
}
