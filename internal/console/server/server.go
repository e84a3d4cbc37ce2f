package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/paygate/internal/console/handler"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/infra/auth"
	"go.uber.org/zap"
)

// Handlers — обработчики бизнес-доменов консоли
type Handlers struct {
	Auth      *handler.AuthHandler      // /auth/token
	Agents    *handler.AgentHandler     // /v1/agents
	Policies  *handler.PolicyHandler    // /v1/policies
	Audit     *handler.AuditHandler     // /v1/ledger, /v1/transactions
	Dashboard *handler.DashboardHandler // /v1/dashboard, /v1/breakers, /v1/alerts
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256)
	// Реализуется через embedding BaseValidator в AuthService
	authValidator auth.TokenValidator

	h Handlers
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(validator auth.TokenValidator, h Handlers, logger *zap.Logger) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		h:             h,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.h.Auth.Login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Чтение: readonly или admin
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeReadOnly))

			r.Get("/v1/dashboard/stats", s.h.Dashboard.GetStats)
			r.Get("/v1/agents/blocked", s.h.Agents.List)
			r.Get("/v1/policies", s.h.Policies.List)
			r.Get("/v1/policies/{id}", s.h.Policies.Get)
			r.Get("/v1/policies/{id}/spend", s.h.Policies.Spend)
			r.Get("/v1/ledger", s.h.Audit.Ledger)
			r.Get("/v1/transactions/{id}", s.h.Audit.Transaction)
			r.Get("/v1/transactions/{id}/provenance", s.h.Audit.Provenance)
			r.Get("/v1/breakers", s.h.Dashboard.Breakers)
			r.Get("/v1/alerts", s.h.Dashboard.Alerts)
		})

		// Управление: только admin
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeAdmin))

			r.Post("/v1/agents/{id}/block", s.h.Agents.Block)     // Мгновенная блокировка (Kill-switch)
			r.Post("/v1/agents/{id}/unblock", s.h.Agents.Unblock) // Разблокировка
			r.Put("/v1/policies/document", s.h.Policies.Publish)
			r.Post("/v1/breakers/reset", s.h.Dashboard.ResetAllBreakers)
			r.Post("/v1/breakers/{key}/reset", s.h.Dashboard.ResetBreaker)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
