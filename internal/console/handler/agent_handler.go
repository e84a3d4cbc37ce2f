package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/paygate/internal/console/service"
	"github.com/xela07ax/paygate/internal/infra/auth"
)

type AgentHandler struct {
	service *service.AgentService
}

func NewAgentHandler(s *service.AgentService) *AgentHandler {
	return &AgentHandler{service: s}
}

// List — заблокированные агенты
// GET /v1/agents/blocked
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"blocked": h.service.ListBlocked()})
}

// Block — мгновенная блокировка (kill-switch)
// POST /v1/agents/{id}/block
func (h *AgentHandler) Block(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, true)
}

// POST /v1/agents/{id}/unblock
func (h *AgentHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, false)
}

func (h *AgentHandler) setBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	agentID := chi.URLParam(r, "id")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agent id is required")
		return
	}

	// Ждем и локального применения, и записи в Redis: иначе другие инстансы пропустят платеж
	var err error
	if blocked {
		err = h.service.BlockAgent(r.Context(), agentID, auth.OperatorID(r.Context()))
	} else {
		err = h.service.UnblockAgent(r.Context(), agentID, auth.OperatorID(r.Context()))
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
