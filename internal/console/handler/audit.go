package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/paygate/internal/console/service"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/ledger"
)

const defaultLedgerLimit = 100

type AuditHandler struct {
	service *service.AuditService
}

func NewAuditHandler(s *service.AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// Ledger возвращает транзакции с фильтрацией
// GET /v1/ledger?agent_id=...&recipient=...&status=...&since=RFC3339&limit=...
func (h *AuditHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	// Извлекаем фильтры из Query-параметров
	q := r.URL.Query()
	f := ledger.Filter{
		AgentID:   q.Get("agent_id"),
		Recipient: q.Get("recipient"),
		Status:    domain.TxStatus(q.Get("status")),
		Limit:     defaultLedgerLimit,
	}

	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = since
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = limit
	}

	writeJSON(w, http.StatusOK, h.service.Transactions(f))
}

// GET /v1/transactions/{id}
func (h *AuditHandler) Transaction(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.service.Transaction(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// Provenance — журнал стадий транзакции в порядке записи
// GET /v1/transactions/{id}/provenance
func (h *AuditHandler) Provenance(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.Provenance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch provenance")
		return
	}
	writeJSON(w, http.StatusOK, records)
}
