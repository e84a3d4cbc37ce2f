package policy

import "github.com/xela07ax/paygate/internal/domain"

// Selector выбирает применимую политику для агента.
// policies приходят в порядке загрузки и уже без выключенных.
type Selector interface {
	Select(agentID string, policies []*domain.Policy) *domain.Policy
}

type SelectorFunc func(agentID string, policies []*domain.Policy) *domain.Policy

func (f SelectorFunc) Select(agentID string, policies []*domain.Policy) *domain.Policy {
	return f(agentID, policies)
}

// DefaultSelector:
//  1. персональная политика агента;
//  2. глобальная политика (без агентов), первая по порядку загрузки;
//  3. если загружена ровно одна политика: она действует на всех;
//  4. иначе nil, и движок отвечает default deny.
type DefaultSelector struct{}

func (DefaultSelector) Select(agentID string, policies []*domain.Policy) *domain.Policy {
	for _, p := range policies {
		if p.Governs(agentID) {
			return p
		}
	}

	for _, p := range policies {
		if p.IsGlobal() {
			return p
		}
	}

	if len(policies) == 1 {
		return policies[0]
	}
	return nil
}
