package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/paygate/internal/breaker"
	"github.com/xela07ax/paygate/internal/x402"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Gateway — HTTP-фасад оркестратора. Агент шлет сюда то же, что отправил бы
// facilitator, и получает ответ facilitator с блоком governance.
type Gateway struct {
	orch   *Orchestrator
	router *chi.Mux
	logger *zap.Logger
}

// NewGateway собирает роутер. mws применяются только к платежным маршрутам (например, JWT).
func NewGateway(orch *Orchestrator, logger *zap.Logger, mws ...func(http.Handler) http.Handler) *Gateway {
	g := &Gateway{
		orch:   orch,
		router: chi.NewRouter(),
		logger: logger.Named("gateway"),
	}

	r := g.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(mws...)
		r.Post("/v1/intent", g.handleIntent)
		r.Post("/v1/verify", g.handleVerify)
		r.Post("/v1/settle", g.handleSettle)
		r.Get("/v1/supported", g.handleSupported)
	})
	return g
}

// ServeHTTP позволяет использовать Gateway как стандартный http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) handleIntent(w http.ResponseWriter, r *http.Request) {
	p, ok := g.decode(w, r)
	if !ok {
		return
	}

	res, err := g.orch.Intent(r.Context(), p)
	if err != nil {
		g.writeError(w, r, res, err)
		return
	}

	status := http.StatusOK
	if !res.Proceed {
		status = http.StatusForbidden
	}
	ev := res.Evaluation
	writeJSON(w, status, x402.Enrich(map[string]any{
		"allowed":       ev.Allowed,
		"proceed":       res.Proceed,
		"action":        ev.Action,
		"reason":        ev.Reason,
		"policyId":      ev.PolicyID,
		"triggeredRule": ev.TriggeredRule,
		"details":       ev.Details,
	}, res.Governance(TraceID(r.Context()))))
}

func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	p, ok := g.decode(w, r)
	if !ok {
		return
	}

	res, err := g.orch.Verify(r.Context(), p)
	switch {
	case err != nil:
		g.writeError(w, r, res, err)
	case res.Verify == nil:
		// до facilitator не дошли: отказ политики
		writeJSON(w, http.StatusForbidden, x402.Enrich(map[string]any{
			"isValid":       false,
			"invalidReason": "policy_denied: " + res.Evaluation.Reason,
		}, res.Governance(TraceID(r.Context()))))
	default:
		writeJSON(w, http.StatusOK, x402.Enrich(toMap(res.Verify), res.Governance(TraceID(r.Context()))))
	}
}

func (g *Gateway) handleSettle(w http.ResponseWriter, r *http.Request) {
	p, ok := g.decode(w, r)
	if !ok {
		return
	}

	res, err := g.orch.Settle(r.Context(), p)
	switch {
	case res != nil && res.Settle != nil:
		// штатный ответ facilitator, в том числе success=false
		writeJSON(w, http.StatusOK, x402.Enrich(toMap(res.Settle), res.Governance(TraceID(r.Context()))))
	case err != nil:
		g.writeError(w, r, res, err)
	default:
		reason := "policy_denied: " + res.Evaluation.Reason
		if res.Verify != nil && !res.Verify.IsValid {
			reason = "invalid_payment: " + res.Verify.InvalidReason
		}
		writeJSON(w, http.StatusForbidden, x402.Enrich(map[string]any{
			"success":     false,
			"errorReason": reason,
		}, res.Governance(TraceID(r.Context()))))
	}
}

func (g *Gateway) handleSupported(w http.ResponseWriter, r *http.Request) {
	resp, err := g.orch.Supported(r.Context())
	if err != nil {
		g.writeError(w, r, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request) (Payment, bool) {
	var p Payment
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return p, false
	}
	return p, true
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, res *Result, err error) {
	body := map[string]any{"error": err.Error()}
	if res != nil {
		body = x402.Enrich(body, res.Governance(TraceID(r.Context())))
		if res.Failure != nil {
			body["retryable"] = res.Failure.Retryable
			body["kind"] = res.Failure.Kind
		}
	}

	var openErr *breaker.OpenError
	switch {
	case errors.Is(err, x402.ErrInvalidAmount):
		writeJSON(w, http.StatusBadRequest, body)
	case errors.As(err, &openErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(openErr.RetryAfter.Seconds()))))
		writeJSON(w, http.StatusServiceUnavailable, body)
	case errors.Is(err, context.Canceled):
		// клиент ушел, отвечать некому
	default:
		g.logger.Warn("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) // заголовки уже ушли, ошибку вернуть некому
}

// toMap раскладывает ответ facilitator в map, чтобы дописать governance рядом с его полями
func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}
