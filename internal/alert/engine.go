// Package alert ищет по Ledger паттерны, которые не видны движку политик
// при проверке одной транзакции, и уведомляет подписчиков.
//
// Evaluate не дедуплицирует по ID транзакции: вызывающий обязан звать его ровно
// один раз на каждую completed-транзакцию. new_recipient идемпотентен сам по себе.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/ledger"
	"go.uber.org/zap"
)

const defaultRecentSize = 100

// Handler — подписчик на алерты (chat ops, пейджинг, шина)
type Handler func(ctx context.Context, a domain.Alert)

type Engine struct {
	mu    sync.RWMutex
	rules []Rule

	subsMu      sync.RWMutex
	subscribers []Handler

	recentMu sync.Mutex
	recent   []domain.Alert // кольцо последних алертов для консоли
	next     int
	filled   bool

	ledger ledger.Store
	seen   SeenSet
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Engine)

func WithSeenSet(s SeenSet) Option {
	return func(e *Engine) { e.seen = s }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithRecentSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.recent = make([]domain.Alert, n)
		}
	}
}

func NewEngine(l ledger.Store, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		ledger: l,
		seen:   NewMemorySeenSet(),
		now:    time.Now,
		recent: make([]domain.Alert, defaultRecentSize),
		logger: logger.Named("alert-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddRule регистрирует правило. Повтор ID заменяет прежнее правило.
func (e *Engine) AddRule(cfg RuleConfig) error {
	rule, err := NewRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range e.rules {
		if r.Config().ID == cfg.ID {
			e.rules[i] = rule
			return nil
		}
	}
	e.rules = append(e.rules, rule)

	e.logger.Info("alert rule added",
		zap.String("rule_id", cfg.ID),
		zap.String("type", string(cfg.Type)),
		zap.Bool("enabled", !cfg.Disabled))
	return nil
}

// Rules возвращает конфиги зарегистрированных правил
func (e *Engine) Rules() []RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]RuleConfig, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.Config())
	}
	return out
}

// OnAlert регистрирует подписчика. Паника одного подписчика
// не влияет на остальных и на результат Evaluate.
func (e *Engine) OnAlert(h Handler) {
	if h == nil {
		return
	}
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	e.subscribers = append(e.subscribers, h)
}

// Evaluate прогоняет все включенные правила и возвращает только что сработавшие алерты
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction) []domain.Alert {
	if tx == nil {
		return nil
	}

	e.mu.RLock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	now := e.now()
	en := env{ledger: e.ledger, seen: e.seen, now: now}

	var fired []domain.Alert
	for _, r := range rules {
		cfg := r.Config()
		if cfg.Disabled {
			continue
		}

		msg, err := e.safeCheck(ctx, r, tx, en)
		if err != nil {
			// Сбой правила не должен ронять путь расчета: пропускаем правило
			e.logger.Error("alert rule failed",
				zap.String("rule_id", cfg.ID),
				zap.String("tx_id", tx.ID),
				zap.Error(err))
			continue
		}
		if msg == "" {
			continue
		}

		fired = append(fired, domain.Alert{
			ID:            uuid.New().String(),
			RuleID:        cfg.ID,
			Type:          cfg.Type,
			Severity:      cfg.Severity,
			Message:       msg,
			TransactionID: tx.ID,
			AgentID:       tx.AgentID,
			Timestamp:     now.UTC(),
		})
	}

	for _, a := range fired {
		e.remember(a)
		e.dispatch(ctx, a)
	}
	return fired
}

// Recent возвращает последние алерты, новые первыми
func (e *Engine) Recent(limit int) []domain.Alert {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	size := e.next
	if e.filled {
		size = len(e.recent)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]domain.Alert, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (e.next - i + len(e.recent)) % len(e.recent)
		out = append(out, e.recent[idx])
	}
	return out
}

func (e *Engine) safeCheck(ctx context.Context, r Rule, tx *domain.Transaction, en env) (msg string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rule panicked: %v", rec)
		}
	}()
	return r.check(ctx, tx, en)
}

func (e *Engine) remember(a domain.Alert) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	e.recent[e.next] = a
	e.next = (e.next + 1) % len(e.recent)
	if e.next == 0 {
		e.filled = true
	}
}

func (e *Engine) dispatch(ctx context.Context, a domain.Alert) {
	e.subsMu.RLock()
	subs := make([]Handler, len(e.subscribers))
	copy(subs, e.subscribers)
	e.subsMu.RUnlock()

	for i, h := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("alert subscriber panicked",
						zap.Int("subscriber", i),
						zap.String("alert_id", a.ID),
						zap.Any("panic", r))
				}
			}()
			h(ctx, a)
		}()
	}
}
