package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/paygate/internal/domain"
)

// MemoryLedger — потокобезопасная реализация Store в оперативной памяти.
// Наружу всегда отдаются копии, чтобы никто не мог мутировать записанные данные.
type MemoryLedger struct {
	mu    sync.RWMutex
	byID  map[string]*domain.Transaction
	order []string // порядок первой вставки
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byID: make(map[string]*domain.Transaction),
	}
}

func (l *MemoryLedger) Record(tx *domain.Transaction) {
	if tx == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Перезапись сохраняет исходную позицию в хронологии
	if _, exists := l.byID[tx.ID]; !exists {
		l.order = append(l.order, tx.ID)
	}
	l.byID[tx.ID] = tx.Clone()
}

func (l *MemoryLedger) UpdateStatus(id string, status domain.TxStatus, settlementRef string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	// Повторная фиксация того же статуса допускается: меняется только ссылка и время
	if tx.Status != status {
		if err := tx.Transition(status, at); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
	} else {
		tx.UpdatedAt = at.UTC()
	}

	if settlementRef != "" {
		tx.SettlementRef = settlementRef
	}
	return nil
}

func (l *MemoryLedger) Get(id string) (*domain.Transaction, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tx, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	return tx.Clone(), true
}

func (l *MemoryLedger) Query(f Filter) []*domain.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*domain.Transaction, 0)
	for i := len(l.order) - 1; i >= 0; i-- {
		tx := l.byID[l.order[i]]
		if !matches(tx, f) {
			continue
		}
		result = append(result, tx.Clone())
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result
}

func (l *MemoryLedger) GetByRecipient(recipient string) []*domain.Transaction {
	return l.Query(Filter{Recipient: recipient})
}

func (l *MemoryLedger) SumSince(since time.Time, currency string, agentIDs []string) decimal.Decimal {
	agents := make(map[string]struct{}, len(agentIDs))
	for _, id := range agentIDs {
		agents[id] = struct{}{}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	sum := decimal.Zero
	for _, tx := range l.byID {
		if tx.Status != domain.TxCompleted || tx.Currency != currency {
			continue
		}
		if tx.CreatedAt.Before(since) {
			continue
		}
		if len(agents) > 0 {
			if _, ok := agents[tx.AgentID]; !ok {
				continue
			}
		}
		sum = sum.Add(tx.Amount)
	}
	return sum
}

func (l *MemoryLedger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

func matches(tx *domain.Transaction, f Filter) bool {
	if f.AgentID != "" && tx.AgentID != f.AgentID {
		return false
	}
	if f.Recipient != "" && tx.Recipient != f.Recipient {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && tx.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
