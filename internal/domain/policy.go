package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Action определяет, что делать с платежом
type Action string

const (
	ActionAllow           Action = "allow"            // Пропустить
	ActionDeny            Action = "deny"             // Заблокировать
	ActionRequireApproval Action = "require_approval" // Держать до решения человека (HITL)
	ActionFlag            Action = "flag"             // Пропустить, но пометить для разбора
)

// Allowed — деньги могут двигаться только при allow и flag
func (a Action) Allowed() bool {
	return a == ActionAllow || a == ActionFlag
}

// Rule — пара предикат/действие. Порядок правил в политике значим: first-match-wins.
type Rule interface {
	Match(tx *Transaction) bool
	Action() Action
	Describe() string
}

// Window — скользящее окно бюджета, отсчитывается назад от момента оценки
type Window string

const (
	WindowHourly  Window = "hourly"
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly" // фиксированные 30 суток, не календарный месяц
)

// Duration возвращает длину окна
func (w Window) Duration() (time.Duration, error) {
	switch w {
	case WindowHourly:
		return time.Hour, nil
	case WindowDaily:
		return 24 * time.Hour, nil
	case WindowMonthly:
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown budget window %q", w)
	}
}

// Budget — накопительный лимит трат в скользящем окне
type Budget struct {
	Window    Window          `json:"window"`
	MaxAmount decimal.Decimal `json:"max_amount"`
	Currency  string          `json:"currency"`
}

// Key — стабильный идентификатор бюджета внутри политики
func (b Budget) Key() string {
	return fmt.Sprintf("budget:%s:%s", b.Window, b.Currency)
}

// Policy — именованный набор правил и бюджетов.
// Agents пуст: политика глобальная.
type Policy struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Enabled bool     `json:"enabled"`
	Agents  []string `json:"agents,omitempty"`
	Rules   []Rule   `json:"-"`
	Budgets []Budget `json:"budgets,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsGlobal — политика без привязки к агентам
func (p *Policy) IsGlobal() bool {
	return len(p.Agents) == 0
}

// Governs проверяет, назначена ли политика агенту явно
func (p *Policy) Governs(agentID string) bool {
	for _, a := range p.Agents {
		if a == agentID {
			return true
		}
	}
	return false
}

// PolicyEvaluation — результат проверки транзакции движком политик
type PolicyEvaluation struct {
	Action        Action         `json:"action"`
	Allowed       bool           `json:"allowed"`
	Reason        string         `json:"reason"`
	PolicyID      string         `json:"policy_id,omitempty"`
	TriggeredRule string         `json:"triggered_rule,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// NewEvaluation гарантирует согласованность Allowed и Action
func NewEvaluation(action Action, reason string) PolicyEvaluation {
	return PolicyEvaluation{
		Action:  action,
		Allowed: action.Allowed(),
		Reason:  reason,
	}
}

// Deny — жесткий запрет (Zero Trust)
func Deny(reason string) PolicyEvaluation {
	return NewEvaluation(ActionDeny, reason)
}
