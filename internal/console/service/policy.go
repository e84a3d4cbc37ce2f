package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/policy"
	"go.uber.org/zap"
)

var ErrInvalidDocument = errors.New("invalid policy document")

// DocumentStore — версионированное хранилище документа политик (postgres.PolicyRepo)
type DocumentStore interface {
	Publish(ctx context.Context, body, author string) (int64, error)
}

// UpdateNotifier рассылает шлюзам сигнал перечитать политики (engine.NotifyPolicyUpdate)
type UpdateNotifier func(ctx context.Context, version string) error

type BudgetView struct {
	domain.Budget
	Spend policy.Spend `json:"spend"`
}

// PolicyView — политика в виде для консоли: правила описаны строками
type PolicyView struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Enabled bool         `json:"enabled"`
	Agents  []string     `json:"agents"`
	Rules   []string     `json:"rules"`
	Budgets []BudgetView `json:"budgets"`
}

type PolicyService struct {
	engine *policy.Engine
	store  DocumentStore
	notify UpdateNotifier
	logger *zap.Logger
}

// NewPolicyService. store и notify опциональны: без них публикация применяется только к этому инстансу.
func NewPolicyService(engine *policy.Engine, store DocumentStore, notify UpdateNotifier, logger *zap.Logger) *PolicyService {
	return &PolicyService{
		engine: engine,
		store:  store,
		notify: notify,
		logger: logger.Named("policy-service"),
	}
}

func (s *PolicyService) List() []PolicyView {
	policies := s.engine.Policies()
	out := make([]PolicyView, 0, len(policies))
	for _, p := range policies {
		out = append(out, s.view(p))
	}
	return out
}

func (s *PolicyService) Get(id string) (*PolicyView, error) {
	p, ok := s.engine.Policy(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", policy.ErrPolicyNotFound, id)
	}
	v := s.view(p)
	return &v, nil
}

// Publish проверяет документ, сохраняет новую версию и применяет ее
func (s *PolicyService) Publish(ctx context.Context, body, author string) (int64, error) {
	policies, err := policy.ParseDocument([]byte(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	var version int64
	if s.store != nil {
		if version, err = s.store.Publish(ctx, body, author); err != nil {
			return 0, err
		}
	}

	if err := s.engine.Reload(policies); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	if s.notify != nil {
		// свой инстанс уже применил документ, остальные догонят по сигналу или при переподключении
		if err := s.notify(ctx, strconv.FormatInt(version, 10)); err != nil {
			s.logger.Warn("policy update signal failed", zap.Int64("version", version), zap.Error(err))
		}
	}

	s.logger.Info("policy document published",
		zap.Int64("version", version),
		zap.String("author", author),
		zap.Int("count", len(policies)))
	return version, nil
}

func (s *PolicyService) view(p *domain.Policy) PolicyView {
	v := PolicyView{
		ID:      p.ID,
		Name:    p.Name,
		Enabled: p.Enabled,
		Agents:  p.Agents,
		Rules:   make([]string, 0, len(p.Rules)),
		Budgets: make([]BudgetView, 0, len(p.Budgets)),
	}
	if v.Agents == nil {
		v.Agents = []string{}
	}
	for _, r := range p.Rules {
		v.Rules = append(v.Rules, r.Describe())
	}
	for _, b := range p.Budgets {
		spend, err := s.engine.GetCurrentSpend(p.ID, b)
		if err != nil {
			s.logger.Warn("spend projection failed", zap.String("policy_id", p.ID), zap.Error(err))
		}
		v.Budgets = append(v.Budgets, BudgetView{Budget: b, Spend: spend})
	}
	return v
}
