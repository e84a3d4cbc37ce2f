package engine

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/xela07ax/paygate/internal/facilitator"
)

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const (
	traceIDKey ctxKey = "trace_id"
	agentIDKey ctxKey = "agent_id"
)

const (
	HeaderTraceID = "X-Trace-ID"
	HeaderAgentID = "X-Agent-ID"
)

// TracingMiddleware инициализирует Trace-ID для каждого запроса
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Пытаемся достать ID из заголовка (если пришел от агента/прокси)
		traceID := r.Header.Get(HeaderTraceID)

		// 2. Если его нет: генерируем новый
		if traceID == "" {
			traceID = uuid.New().String()
		}

		// 3. Кладем в контекст
		ctx := WithTraceID(r.Context(), traceID)
		if agentID := r.Header.Get(HeaderAgentID); agentID != "" {
			ctx = context.WithValue(ctx, agentIDKey, agentID)
		}

		// 4. Добавляем в ответ, чтобы клиент тоже знал ID своего запроса
		w.Header().Set(HeaderTraceID, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithTraceID — для вызовов не из HTTP (CLI, тесты)
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID помогает безопасно достать ID в любом месте кода
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return "00000000-0000-0000-0000-000000000000" // Fallback
}

// AgentID — агент, назвавший себя заголовком X-Agent-ID
func AgentID(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey).(string)
	return id
}

// HeaderAgentResolver — резолвер агента для x402.Mapper по заголовку X-Agent-ID
func HeaderAgentResolver(ctx context.Context, _ facilitator.PaymentPayload, _ facilitator.PaymentRequirements) string {
	return AgentID(ctx)
}
