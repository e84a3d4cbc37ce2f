package policy

/*
Файл engine.go реализует Policy Decision Point для платежей агентов.

Порядок принятия решения:
  1. Selector выбирает политику агента (персональная -> глобальная).
  2. Правила сканируются сверху вниз, первое совпадение определяет действие.
     Ничего не совпало — default deny (fail-closed), молча не пропускаем никогда.
  3. Для разрешающих действий проверяется каждый бюджет политики отдельно:
     completed-траты в окне + резервы + кандидат не должны превышать лимит.
     Траты считаются по всем агентам, которыми политика управляет: глобальная
     или единственная включенная политика управляет всеми.

Check-then-act по бюджету выполняется под мьютексом политики: два параллельных
платежа не могут оба пройти бюджет, в который помещается только один.
*/

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/ledger"
	"go.uber.org/zap"
)

var (
	ErrPolicyNotFound = errors.New("policy: not found")
	ErrInvalidPolicy  = errors.New("policy: invalid policy")
)

const defaultReservationTTL = 5 * time.Minute

type reservation struct {
	policyID string
	agentID  string
	currency string
	amount   decimal.Decimal
	expires  time.Time
}

// Spend — проекция текущего использования бюджета для отчетов
type Spend struct {
	Amount    decimal.Decimal `json:"amount"`   // completed траты в окне
	Reserved  decimal.Decimal `json:"reserved"` // разрешенные, но еще не рассчитанные
	Limit     decimal.Decimal `json:"limit"`
	Remaining decimal.Decimal `json:"remaining"`
}

type Engine struct {
	mu       sync.RWMutex
	policies map[string]*domain.Policy
	order    []string // порядок загрузки для детерминированного выбора

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // мьютекс на политику

	resMu        sync.Mutex
	reservations map[string]reservation // txID -> резерв

	spend          ledger.Store
	selector       Selector
	reservationTTL time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

type Option func(*Engine)

func WithSelector(s Selector) Option {
	return func(e *Engine) { e.selector = s }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithReservationTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.reservationTTL = ttl
		}
	}
}

// NewEngine создает движок. spend — хранилище, по которому считаются бюджеты.
func NewEngine(spend ledger.Store, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		policies:       make(map[string]*domain.Policy),
		locks:          make(map[string]*sync.Mutex),
		reservations:   make(map[string]reservation),
		spend:          spend,
		selector:       DefaultSelector{},
		reservationTTL: defaultReservationTTL,
		now:            time.Now,
		logger:         logger.Named("policy-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadPolicy регистрирует или заменяет политику по ID.
// Политика без catch-all не ошибка загрузки: на оценке она даст default deny.
func (e *Engine) LoadPolicy(p *domain.Policy) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPolicy)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[p.ID]; !exists {
		e.order = append(e.order, p.ID)
	}
	e.policies[p.ID] = p

	e.logger.Info("policy loaded",
		zap.String("policy_id", p.ID),
		zap.Bool("enabled", p.Enabled),
		zap.Int("rules", len(p.Rules)),
		zap.Int("budgets", len(p.Budgets)))
	return nil
}

// Reload атомарно заменяет весь набор политик (горячая перезагрузка документа)
func (e *Engine) Reload(policies []*domain.Policy) error {
	next := make(map[string]*domain.Policy, len(policies))
	order := make([]string, 0, len(policies))
	for _, p := range policies {
		if p == nil || p.ID == "" {
			return fmt.Errorf("%w: id is required", ErrInvalidPolicy)
		}
		if _, dup := next[p.ID]; !dup {
			order = append(order, p.ID)
		}
		next[p.ID] = p
	}

	e.mu.Lock()
	e.policies = next
	e.order = order
	e.mu.Unlock()

	e.logger.Info("policy set reloaded", zap.Int("count", len(order)))
	return nil
}

// Policy возвращает политику по ID
func (e *Engine) Policy(id string) (*domain.Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[id]
	return p, ok
}

// Policies возвращает все политики в порядке загрузки
func (e *Engine) Policies() []*domain.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.Policy, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.policies[id])
	}
	return out
}

// Evaluate: чистая функция от текущего состояния: ничего не резервирует и не пишет
func (e *Engine) Evaluate(tx *domain.Transaction) domain.PolicyEvaluation {
	return e.evaluate(tx, false)
}

// EvaluateAndReserve атомарно принимает решение и резервирует сумму разрешенного платежа.
// Резерв снимается через RecordTransaction или Release, либо истекает по TTL.
func (e *Engine) EvaluateAndReserve(tx *domain.Transaction) domain.PolicyEvaluation {
	return e.evaluate(tx, true)
}

// Release снимает резерв (платеж отклонен или не прошел расчет)
func (e *Engine) Release(txID string) {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	delete(e.reservations, txID)
}

// RecordTransaction вызывается только после окончательного completed.
// Делает сумму видимой для будущих бюджетов и снимает резерв под тем же мьютексом.
func (e *Engine) RecordTransaction(tx *domain.Transaction) {
	if tx == nil {
		return
	}

	e.resMu.Lock()
	r, reserved := e.reservations[tx.ID]
	e.resMu.Unlock()

	// Резерв мог истечь: тогда политика ищется заново, запись все равно идет под ее мьютексом
	policyID := r.policyID
	if !reserved {
		if p, _ := e.selectPolicy(tx.AgentID); p != nil {
			policyID = p.ID
		}
	}
	if policyID != "" {
		lock := e.policyLock(policyID)
		lock.Lock()
		defer lock.Unlock()
	}

	if tx.Status == domain.TxCompleted {
		e.spend.Record(tx)
	} else {
		e.logger.Warn("record skipped: transaction is not completed",
			zap.String("tx_id", tx.ID), zap.String("status", string(tx.Status)))
	}
	e.Release(tx.ID)
}

// GetCurrentSpend — read-only проекция использования бюджета
func (e *Engine) GetCurrentSpend(policyID string, b domain.Budget) (Spend, error) {
	p, ok := e.Policy(policyID)
	if !ok {
		return Spend{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, policyID)
	}
	d, err := b.Window.Duration()
	if err != nil {
		return Spend{}, err
	}

	now := e.now()
	used := e.spend.SumSince(now.Add(-d), b.Currency, e.spendScope(p))
	reserved := e.reserved(policyID, b.Currency, "", now)

	remaining := b.MaxAmount.Sub(used).Sub(reserved)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return Spend{Amount: used, Reserved: reserved, Limit: b.MaxAmount, Remaining: remaining}, nil
}

func (e *Engine) evaluate(tx *domain.Transaction, reserve bool) (ev domain.PolicyEvaluation) {
	if tx == nil {
		return domain.Deny("transaction is missing")
	}

	p, scope := e.selectPolicy(tx.AgentID)
	if p == nil {
		e.logger.Warn("no applicable policy, default deny", zap.String("agent_id", tx.AgentID))
		return domain.Deny("no applicable policy for agent")
	}

	lock := e.policyLock(p.ID)
	lock.Lock()
	defer lock.Unlock()

	// Внутренняя ошибка (паника в пользовательском правиле): запрет, а не падение
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("policy evaluation panicked, default deny",
				zap.String("policy_id", p.ID),
				zap.String("tx_id", tx.ID),
				zap.Any("panic", r))
			ev = domain.Deny("internal evaluation error")
			ev.PolicyID = p.ID
		}
	}()

	ev = e.decide(p, scope, tx)
	if reserve && ev.Allowed {
		e.reserve(p, tx)
	}
	return ev
}

// decide: scope — агенты, чьи траты идут в бюджет; nil означает всех
func (e *Engine) decide(p *domain.Policy, scope []string, tx *domain.Transaction) domain.PolicyEvaluation {
	if tx.Currency == "" {
		e.logger.Warn("transaction without currency, default deny", zap.String("tx_id", tx.ID))
		ev := domain.Deny("transaction currency is missing")
		ev.PolicyID = p.ID
		return ev
	}

	// 1. First-match-wins по правилам
	ev := domain.Deny("no rule matched (default deny)")
	for i, rule := range p.Rules {
		if rule == nil || !rule.Match(tx) {
			continue
		}
		ev = domain.NewEvaluation(rule.Action(), fmt.Sprintf("rule #%d %s matched", i+1, rule.Describe()))
		ev.TriggeredRule = rule.Describe()
		break
	}
	ev.PolicyID = p.ID

	if !ev.Allowed {
		return ev
	}

	// 2. Бюджеты проверяются независимо, первый превышенный побеждает
	now := e.now()
	for _, b := range p.Budgets {
		if b.Currency != tx.Currency {
			continue
		}
		d, err := b.Window.Duration()
		if err != nil {
			e.logger.Error("malformed budget, default deny", zap.String("policy_id", p.ID), zap.Error(err))
			deny := domain.Deny("malformed budget: " + err.Error())
			deny.PolicyID = p.ID
			deny.TriggeredRule = b.Key()
			return deny
		}

		used := e.spend.SumSince(now.Add(-d), b.Currency, scope).
			Add(e.reserved(p.ID, b.Currency, tx.ID, now))
		projected := used.Add(tx.Amount)

		if projected.GreaterThan(b.MaxAmount) {
			deny := domain.Deny(fmt.Sprintf("%s budget exceeded: %s of %s %s used, requested %s",
				b.Window, used.String(), b.MaxAmount.String(), b.Currency, tx.Amount.String()))
			deny.PolicyID = p.ID
			deny.TriggeredRule = b.Key()
			deny.Details = map[string]any{
				"window":     string(b.Window),
				"used":       used.String(),
				"requested":  tx.Amount.String(),
				"max_amount": b.MaxAmount.String(),
				"currency":   b.Currency,
				"rule":       ev.TriggeredRule,
			}
			return deny
		}
	}

	return ev
}

// selectPolicy возвращает политику агента и круг агентов для ее бюджетов
func (e *Engine) selectPolicy(agentID string) (*domain.Policy, []string) {
	enabled := e.enabled()
	p := e.selector.Select(agentID, enabled)
	if p == nil {
		return nil, nil
	}
	if !p.Governs(agentID) {
		// глобальная политика или fallback: она управляет всеми агентами
		return p, nil
	}
	return p, scopeOf(p, enabled)
}

// spendScope — круг агентов для отчета по бюджету политики
func (e *Engine) spendScope(p *domain.Policy) []string {
	return scopeOf(p, e.enabled())
}

func (e *Engine) enabled() []*domain.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.Policy, 0, len(e.order))
	for _, id := range e.order {
		if p := e.policies[id]; p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// scopeOf: персональная политика считает только своих агентов,
// пока рядом есть другие включенные политики. Иначе она действует на всех.
func scopeOf(p *domain.Policy, enabled []*domain.Policy) []string {
	if p.IsGlobal() || len(enabled) == 1 && enabled[0] == p {
		return nil
	}
	return p.Agents
}

func (e *Engine) policyLock(policyID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	l, ok := e.locks[policyID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[policyID] = l
	}
	return l
}

func (e *Engine) reserve(p *domain.Policy, tx *domain.Transaction) {
	e.resMu.Lock()
	defer e.resMu.Unlock()

	e.reservations[tx.ID] = reservation{
		policyID: p.ID,
		agentID:  tx.AgentID,
		currency: tx.Currency,
		amount:   tx.Amount,
		expires:  e.now().Add(e.reservationTTL),
	}
}

// reserved суммирует живые резервы политики, исключая exceptTxID; просроченные удаляет
func (e *Engine) reserved(policyID, currency, exceptTxID string, now time.Time) decimal.Decimal {
	e.resMu.Lock()
	defer e.resMu.Unlock()

	sum := decimal.Zero
	for id, r := range e.reservations {
		if now.After(r.expires) {
			delete(e.reservations, id)
			continue
		}
		if id == exceptTxID || r.policyID != policyID || r.currency != currency {
			continue
		}
		sum = sum.Add(r.amount)
	}
	return sum
}
