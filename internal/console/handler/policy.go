package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/paygate/internal/console/service"
	"github.com/xela07ax/paygate/internal/infra/auth"
	"github.com/xela07ax/paygate/internal/policy"
)

type PolicyHandler struct {
	service *service.PolicyService
}

func NewPolicyHandler(s *service.PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// List возвращает все политики вместе с текущим расходом бюджетов
// GET /v1/policies
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.List())
}

// Get возвращает детали конкретной политики по её ID.
// GET /v1/policies/{id}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.find(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Spend — только проекция бюджетов
// GET /v1/policies/{id}/spend
func (h *PolicyHandler) Spend(w http.ResponseWriter, r *http.Request) {
	p, ok := h.find(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Budgets)
}

// Publish принимает YAML-документ политик целиком и применяет его на всех шлюзах
// PUT /v1/policies/document
func (h *PolicyHandler) Publish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "policy document is required")
		return
	}

	version, err := h.service.Publish(r.Context(), string(body), auth.OperatorID(r.Context()))
	switch {
	case errors.Is(err, service.ErrInvalidDocument):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"version": version})
	}
}

func (h *PolicyHandler) find(w http.ResponseWriter, r *http.Request) (*service.PolicyView, bool) {
	// Извлекаем ID из параметров пути chi
	p, err := h.service.Get(chi.URLParam(r, "id"))
	if errors.Is(err, policy.ErrPolicyNotFound) {
		writeError(w, http.StatusNotFound, "policy not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return p, true
}
