package handler

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/paygate/internal/breaker"
	"github.com/xela07ax/paygate/internal/console/service"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/ledger"
)

// BreakerController Описываем, что нам нужно от breaker.Manager
type BreakerController interface {
	Snapshots() []breaker.Snapshot
	Reset(key string) bool
	ResetAll()
}

// AlertFeed — кольцо последних алертов движка
type AlertFeed interface {
	Recent(limit int) []domain.Alert
}

type Stats struct {
	Transactions  map[domain.TxStatus]int `json:"transactions"`
	BlockedAgents int                     `json:"blocked_agents"`
	OpenBreakers  int                     `json:"open_breakers"`
	RecentAlerts  int                     `json:"recent_alerts"`
}

type DashboardHandler struct {
	breakers BreakerController
	alerts   AlertFeed
	audit    *service.AuditService
	agents   *service.AgentService
}

func NewDashboardHandler(b BreakerController, a AlertFeed, audit *service.AuditService, agents *service.AgentService) *DashboardHandler {
	return &DashboardHandler{breakers: b, alerts: a, audit: audit, agents: agents}
}

// GetStats — сводка для главной страницы консоли
// GET /v1/dashboard/stats
func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := Stats{Transactions: map[domain.TxStatus]int{}}
	for _, tx := range h.audit.Transactions(ledger.Filter{}) {
		stats.Transactions[tx.Status]++
	}
	stats.BlockedAgents = len(h.agents.ListBlocked())
	for _, s := range h.breakers.Snapshots() {
		if s.State != breaker.StateClosed {
			stats.OpenBreakers++
		}
	}
	stats.RecentAlerts = len(h.alerts.Recent(0))

	writeJSON(w, http.StatusOK, stats)
}

// GET /v1/breakers
func (h *DashboardHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	snaps := h.breakers.Snapshots()
	if snaps == nil {
		snaps = []breaker.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// POST /v1/breakers/{key}/reset, key — URL-encoded endpoint
func (h *DashboardHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid breaker key")
		return
	}
	if !h.breakers.Reset(key) {
		writeError(w, http.StatusNotFound, "breaker not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/breakers/reset
func (h *DashboardHandler) ResetAllBreakers(w http.ResponseWriter, r *http.Request) {
	h.breakers.ResetAll()
	w.WriteHeader(http.StatusNoContent)
}

// Alerts — последние алерты, новые первыми
// GET /v1/alerts?limit=...
func (h *DashboardHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	alerts := h.alerts.Recent(limit)
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}
