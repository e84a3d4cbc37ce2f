package domain

import "time"

// Stage — этап жизненного цикла платежа. Порядок стадий фиксирован.
type Stage string

const (
	StageIntent      Stage = "intent"
	StagePolicyCheck Stage = "policy_check"
	StageExecution   Stage = "execution"
	StageSettlement  Stage = "settlement"
)

// Rank задает порядок стадий для проверки упорядоченности аудита
func (s Stage) Rank() int {
	switch s {
	case StageIntent:
		return 0
	case StagePolicyCheck:
		return 1
	case StageExecution:
		return 2
	case StageSettlement:
		return 3
	default:
		return -1
	}
}

type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
)

// ProvenanceRecord — одна запись неизменяемого аудита по транзакции
type ProvenanceRecord struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transaction_id"`
	TraceID       string         `json:"trace_id,omitempty"`
	Stage         Stage          `json:"stage"`
	Outcome       Outcome        `json:"outcome"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}
