package alert

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/paygate/internal/domain"
	"gopkg.in/yaml.v3"
)

// RuleSpec — правило алерта в YAML-документе (ключ alerts рядом с policies)
type RuleSpec struct {
	ID              string  `yaml:"id"`
	Type            string  `yaml:"type"`
	Severity        string  `yaml:"severity"`
	Enabled         *bool   `yaml:"enabled"`
	Threshold       string  `yaml:"threshold"`
	Currency        string  `yaml:"currency"`
	MaxTransactions int     `yaml:"max_transactions"`
	WindowMs        int64   `yaml:"window_ms"`
	Subject         string  `yaml:"subject"`
	Window          string  `yaml:"window"`
	MaxAmount       string  `yaml:"max_amount"`
	AlertAtPercent  float64 `yaml:"alert_at_percent"`
}

type document struct {
	Alerts []RuleSpec `yaml:"alerts"`
}

// ParseRules разбирает ключ alerts документа. Отсутствие ключа: пустой список.
func ParseRules(data []byte) ([]RuleConfig, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	out := make([]RuleConfig, 0, len(doc.Alerts))
	for i, s := range doc.Alerts {
		cfg, err := s.config()
		if err != nil {
			return nil, fmt.Errorf("alerts[%d]: %w", i, err)
		}
		// Валидация та же, что и при AddRule
		if _, err := NewRule(cfg); err != nil {
			return nil, fmt.Errorf("alerts[%d]: %w", i, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s RuleSpec) config() (RuleConfig, error) {
	cfg := RuleConfig{
		ID:              s.ID,
		Type:            domain.AlertType(s.Type),
		Severity:        domain.Severity(s.Severity),
		Disabled:        s.Enabled != nil && !*s.Enabled,
		Currency:        s.Currency,
		MaxTransactions: s.MaxTransactions,
		Window:          time.Duration(s.WindowMs) * time.Millisecond,
		Subject:         Subject(s.Subject),
		BudgetWindow:    domain.Window(s.Window),
		AlertAtPercent:  decimal.NewFromFloat(s.AlertAtPercent),
	}

	var err error
	if s.Threshold != "" {
		if cfg.Threshold, err = decimal.NewFromString(s.Threshold); err != nil {
			return cfg, fmt.Errorf("%w: %s: invalid threshold %q", ErrInvalidRule, s.ID, s.Threshold)
		}
	}
	if s.MaxAmount != "" {
		if cfg.MaxAmount, err = decimal.NewFromString(s.MaxAmount); err != nil {
			return cfg, fmt.Errorf("%w: %s: invalid max_amount %q", ErrInvalidRule, s.ID, s.MaxAmount)
		}
	}
	return cfg, nil
}
