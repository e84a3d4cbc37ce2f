package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/paygate/internal/domain"
	"gopkg.in/yaml.v3"
)

var ErrInvalidDocument = errors.New("policy: invalid document")

// Document — YAML-документ политик. Ключ alerts разбирает пакет alert.
type Document struct {
	Version  int          `yaml:"version"`
	Policies []PolicySpec `yaml:"policies"`
}

type PolicySpec struct {
	ID      string       `yaml:"id"`
	Name    string       `yaml:"name"`
	Enabled *bool        `yaml:"enabled"` // по умолчанию true
	Agents  []string     `yaml:"agents"`
	Rules   []RuleSpec   `yaml:"rules"`
	Budgets []BudgetSpec `yaml:"budgets"`
}

type BudgetSpec struct {
	Window    string `yaml:"window"`
	MaxAmount string `yaml:"max_amount"`
	Currency  string `yaml:"currency"`
}

// LoadFile читает документ с диска
func LoadFile(path string) ([]*domain.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParseDocument(data)
}

// ParseDocument строит политики. Любая ошибка в правиле отклоняет весь документ:
// частично загруженный набор политик опаснее отказа при старте.
func ParseDocument(data []byte) ([]*domain.Policy, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(doc.Policies))
	out := make([]*domain.Policy, 0, len(doc.Policies))

	for i, spec := range doc.Policies {
		p, err := spec.build(now)
		if err != nil {
			return nil, fmt.Errorf("%w: policies[%d]: %v", ErrInvalidDocument, i, err)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate policy id %q", ErrInvalidDocument, p.ID)
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func (s PolicySpec) build(now time.Time) (*domain.Policy, error) {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		return nil, errors.New("id is required")
	}

	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}

	p := &domain.Policy{
		ID:        id,
		Name:      s.Name,
		Enabled:   enabled,
		Agents:    s.Agents,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for j, rs := range s.Rules {
		rule, err := BuildRule(rs)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", j, err)
		}
		p.Rules = append(p.Rules, rule)
	}

	for j, bs := range s.Budgets {
		b, err := bs.build()
		if err != nil {
			return nil, fmt.Errorf("budgets[%d]: %w", j, err)
		}
		p.Budgets = append(p.Budgets, b)
	}
	return p, nil
}

func (s BudgetSpec) build() (domain.Budget, error) {
	w := domain.Window(strings.ToLower(strings.TrimSpace(s.Window)))
	if _, err := w.Duration(); err != nil {
		return domain.Budget{}, err
	}
	max, err := decimal.NewFromString(s.MaxAmount)
	if err != nil {
		return domain.Budget{}, fmt.Errorf("invalid max_amount %q: %w", s.MaxAmount, err)
	}
	if max.IsNegative() {
		return domain.Budget{}, fmt.Errorf("max_amount must be non-negative, got %s", max)
	}
	cur := normCurrency(s.Currency)
	if cur == "" {
		return domain.Budget{}, errors.New("currency is required")
	}
	return domain.Budget{Window: w, MaxAmount: max, Currency: cur}, nil
}
