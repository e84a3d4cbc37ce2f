package domain

import "time"

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid проверяет, что уровень входит в известный набор
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

type AlertType string

const (
	AlertLargeTransaction AlertType = "large_transaction"
	AlertRateSpike        AlertType = "rate_spike"
	AlertNewRecipient     AlertType = "new_recipient"
	AlertBudgetThreshold  AlertType = "budget_threshold"
)

// Alert — неизменяемое уведомление, создается только движком алертов
type Alert struct {
	ID            string    `json:"id"`
	RuleID        string    `json:"rule_id"`
	Type          AlertType `json:"type"`
	Severity      Severity  `json:"severity"`
	Message       string    `json:"message"`
	TransactionID string    `json:"transaction_id"`
	AgentID       string    `json:"agent_id"`
	Timestamp     time.Time `json:"timestamp"`
}
