package policy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/paygate/internal/domain"
)

var ErrUnknownRule = errors.New("policy: unknown rule type")

// RuleSpec — описание правила в документе политик.
// Поля трактует фабрика конкретного типа.
type RuleSpec struct {
	Type       string   `yaml:"type" json:"type"`
	Threshold  string   `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Currency   string   `yaml:"currency,omitempty" json:"currency,omitempty"`
	Recipients []string `yaml:"recipients,omitempty" json:"recipients,omitempty"`
}

// RuleFactory строит правило из спецификации
type RuleFactory func(spec RuleSpec) (domain.Rule, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]RuleFactory{
		"block_above":            thresholdFactory(BlockAbove),
		"require_approval_above": thresholdFactory(RequireApprovalAbove),
		"flag_above":             thresholdFactory(FlagAbove),
		"allow_all": func(RuleSpec) (domain.Rule, error) {
			return AllowAll(), nil
		},
		"deny_recipients": func(s RuleSpec) (domain.Rule, error) {
			if len(s.Recipients) == 0 {
				return nil, errors.New("deny_recipients: recipients list is empty")
			}
			return DenyRecipients(s.Recipients...), nil
		},
		"allow_recipients_only": func(s RuleSpec) (domain.Rule, error) {
			if len(s.Recipients) == 0 {
				return nil, errors.New("allow_recipients_only: recipients list is empty")
			}
			return AllowRecipientsOnly(s.Recipients...), nil
		},
	}
)

// RegisterRule добавляет пользовательский тип правила без изменения движка.
// Повторная регистрация заменяет фабрику.
func RegisterRule(kind string, factory RuleFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// BuildRule находит фабрику по типу и строит правило
func BuildRule(spec RuleSpec) (domain.Rule, error) {
	registryMu.RLock()
	factory, ok := registry[spec.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRule, spec.Type)
	}
	return factory(spec)
}

func thresholdFactory(ctor func(decimal.Decimal, string) domain.Rule) RuleFactory {
	return func(s RuleSpec) (domain.Rule, error) {
		threshold, err := decimal.NewFromString(s.Threshold)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid threshold %q: %w", s.Type, s.Threshold, err)
		}
		if s.Currency == "" {
			return nil, fmt.Errorf("%s: currency is required", s.Type)
		}
		return ctor(threshold, s.Currency), nil
	}
}
