package domain

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxStatus — статусы State Machine транзакции
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxRejected  TxStatus = "rejected"
	TxFailed    TxStatus = "failed"
)

// UnknownAgent — агент, которого не удалось определить ни одним из резолверов
const UnknownAgent = "unknown-agent"

var (
	ErrInvalidTransition = errors.New("invalid transaction status transition")
	ErrAlreadyTerminal   = errors.New("transaction already in terminal state")
	ErrNegativeAmount    = errors.New("transaction amount must be non-negative")
)

// Transaction — каноническое представление попытки списания.
// После записи в Ledger меняются только Status, UpdatedAt и SettlementRef.
type Transaction struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"` // в основных единицах валюты
	Currency  string          `json:"currency"`
	Purpose   string          `json:"purpose,omitempty"`
	Protocol  string          `json:"protocol,omitempty"` // платежный рельс, например "x402"
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Status    TxStatus        `json:"status"`

	// SettlementRef выдается протоколом при успешном расчете (tx hash)
	SettlementRef string `json:"settlement_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransactionInput — то, что нужно фабрике для создания транзакции
type TransactionInput struct {
	AgentID   string
	Recipient string
	Amount    decimal.Decimal
	Currency  string
	Purpose   string
	Protocol  string
	Metadata  map[string]any
}

// NewTransaction создает транзакцию в статусе pending со свежим ID.
// Пустая валюта не ошибка фабрики: движок политик ответит на нее default deny.
func NewTransaction(in TransactionInput) (*Transaction, error) {
	if in.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrNegativeAmount, in.Amount)
	}

	agentID := strings.TrimSpace(in.AgentID)
	if agentID == "" {
		agentID = UnknownAgent
	}

	now := time.Now().UTC()
	return &Transaction{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Recipient: strings.TrimSpace(in.Recipient),
		Amount:    in.Amount,
		Currency:  strings.ToUpper(strings.TrimSpace(in.Currency)),
		Purpose:   in.Purpose,
		Protocol:  in.Protocol,
		Metadata:  maps.Clone(in.Metadata),
		Status:    TxPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsTerminal — транзакция больше не может менять статус
func (t *Transaction) IsTerminal() bool {
	return t.Status != TxPending
}

// CanTransitionTo проверяет правила конечного автомата: pending -> один терминальный статус
func (t *Transaction) CanTransitionTo(next TxStatus) error {
	if t.IsTerminal() {
		return ErrAlreadyTerminal
	}
	switch next {
	case TxCompleted, TxRejected, TxFailed:
		return nil
	default:
		return ErrInvalidTransition
	}
}

// Transition переводит транзакцию в терминальный статус и обновляет UpdatedAt
func (t *Transaction) Transition(next TxStatus, at time.Time) error {
	if err := t.CanTransitionTo(next); err != nil {
		return fmt.Errorf("%s -> %s: %w", t.Status, next, err)
	}
	t.Status = next
	t.UpdatedAt = at.UTC()
	return nil
}

// Clone возвращает копию, которую можно отдавать наружу без риска мутаций хранилища
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.Metadata = maps.Clone(t.Metadata)
	return &c
}
