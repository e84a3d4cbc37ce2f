// Package ledger хранит каждую транзакцию, дошедшую до pending или терминального статуса.
// Это фундамент для бюджетов, аналитики и алертов.
//
// Реализация по умолчанию живет в памяти процесса. Для durability или нескольких
// инстансов шлюза нужно подменить Store на общее хранилище с теми же гарантиями
// атомарности (репозиторий поверх Postgres/Redis).
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/paygate/internal/domain"
)

var ErrNotFound = errors.New("ledger: transaction not found")

// Filter — параметры выборки. Пустые поля не ограничивают результат.
type Filter struct {
	AgentID   string
	Recipient string
	Status    domain.TxStatus
	Since     time.Time
	Limit     int // 0: без ограничения
}

// Store — append-only хранилище транзакций с поддержкой запросов
type Store interface {
	// Record вставляет или перезаписывает транзакцию по ID. Никогда не отказывает.
	Record(tx *domain.Transaction)
	// UpdateStatus — единственный разрешенный способ изменить записанную транзакцию
	UpdateStatus(id string, status domain.TxStatus, settlementRef string, at time.Time) error
	Get(id string) (*domain.Transaction, bool)
	// Query возвращает совпадения в обратном порядке вставки
	Query(f Filter) []*domain.Transaction
	GetByRecipient(recipient string) []*domain.Transaction
	// SumSince суммирует только completed транзакции в валюте currency.
	// agentIDs пуст: суммируются все агенты.
	SumSince(since time.Time, currency string, agentIDs []string) decimal.Decimal
	Size() int
}
