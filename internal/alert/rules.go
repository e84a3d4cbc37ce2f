package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/ledger"
)

var ErrInvalidRule = errors.New("alert: invalid rule")

// Subject — по кому считается частота в rate_spike
type Subject string

const (
	SubjectAgent     Subject = "agent"
	SubjectRecipient Subject = "recipient"
)

// RuleConfig — плоское описание правила алерта. Какие поля значимы, решает Type.
type RuleConfig struct {
	ID       string
	Type     domain.AlertType
	Severity domain.Severity
	Disabled bool

	// large_transaction; Currency также ограничивает budget_threshold
	Threshold decimal.Decimal
	Currency  string

	// rate_spike
	MaxTransactions int
	Window          time.Duration
	Subject         Subject

	// budget_threshold
	BudgetWindow   domain.Window
	MaxAmount      decimal.Decimal
	AlertAtPercent decimal.Decimal // 80 означает 80%
}

// env — то, что правилу нужно для проверки помимо самой транзакции
type env struct {
	ledger ledger.Store
	seen   SeenSet
	now    time.Time
}

// Rule: проверка одного семейства. Сообщение пусто: правило не сработало.
type Rule interface {
	Config() RuleConfig
	check(ctx context.Context, tx *domain.Transaction, e env) (string, error)
}

// NewRule строит правило по конфигу. Неизвестный тип: ошибка, а не молчаливый no-op.
func NewRule(cfg RuleConfig) (Rule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if cfg.Severity == "" {
		cfg.Severity = domain.SeverityWarning
	}
	if !cfg.Severity.Valid() {
		return nil, fmt.Errorf("%w: %s: unknown severity %q", ErrInvalidRule, cfg.ID, cfg.Severity)
	}
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))

	switch cfg.Type {
	case domain.AlertLargeTransaction:
		if cfg.Currency == "" {
			return nil, fmt.Errorf("%w: %s: currency is required", ErrInvalidRule, cfg.ID)
		}
		return &largeTransaction{cfg: cfg}, nil

	case domain.AlertRateSpike:
		if cfg.MaxTransactions <= 0 || cfg.Window <= 0 {
			return nil, fmt.Errorf("%w: %s: max_transactions and window must be positive", ErrInvalidRule, cfg.ID)
		}
		if cfg.Subject == "" {
			cfg.Subject = SubjectAgent
		}
		if cfg.Subject != SubjectAgent && cfg.Subject != SubjectRecipient {
			return nil, fmt.Errorf("%w: %s: unknown subject %q", ErrInvalidRule, cfg.ID, cfg.Subject)
		}
		return &rateSpike{cfg: cfg}, nil

	case domain.AlertNewRecipient:
		return &newRecipient{cfg: cfg}, nil

	case domain.AlertBudgetThreshold:
		d, err := cfg.BudgetWindow.Duration()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, cfg.ID, err)
		}
		if cfg.Currency == "" || !cfg.MaxAmount.IsPositive() {
			return nil, fmt.Errorf("%w: %s: currency and positive max_amount are required", ErrInvalidRule, cfg.ID)
		}
		if !cfg.AlertAtPercent.IsPositive() || cfg.AlertAtPercent.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("%w: %s: alert_at_percent must be in (0, 100]", ErrInvalidRule, cfg.ID)
		}
		return &budgetThreshold{
			cfg:       cfg,
			window:    d,
			limit:     cfg.MaxAmount.Mul(cfg.AlertAtPercent).Div(decimal.NewFromInt(100)),
			lastFired: make(map[string]time.Time),
		}, nil
	}

	return nil, fmt.Errorf("%w: %s: unknown type %q", ErrInvalidRule, cfg.ID, cfg.Type)
}

type largeTransaction struct{ cfg RuleConfig }

func (r *largeTransaction) Config() RuleConfig { return r.cfg }

func (r *largeTransaction) check(_ context.Context, tx *domain.Transaction, _ env) (string, error) {
	if tx.Currency != r.cfg.Currency || !tx.Amount.GreaterThan(r.cfg.Threshold) {
		return "", nil
	}
	return fmt.Sprintf("large transaction: %s %s exceeds %s %s",
		tx.Amount, tx.Currency, r.cfg.Threshold, r.cfg.Currency), nil
}

// anchor — момент оцениваемой транзакции: окна правил отсчитываются от него, а не от часов.
// Оценка идет асинхронно и может застать в ledger более поздние платежи.
func anchor(tx *domain.Transaction, e env) time.Time {
	if tx.CreatedAt.IsZero() {
		return e.now
	}
	return tx.CreatedAt
}

// priorTo оставляет строки, записанные в ledger раньше tx. rows идут в обратном
// порядке вставки; если tx в выборке нет, граница проводится по CreatedAt.
func priorTo(rows []*domain.Transaction, tx *domain.Transaction, at time.Time) []*domain.Transaction {
	for i, row := range rows {
		if row.ID == tx.ID {
			return rows[i+1:]
		}
	}
	out := rows[:0]
	for _, row := range rows {
		if !row.CreatedAt.After(at) {
			out = append(out, row)
		}
	}
	return out
}

// rateSpike считает completed-транзакции субъекта в окне до текущей плюс ее саму
type rateSpike struct{ cfg RuleConfig }

func (r *rateSpike) Config() RuleConfig { return r.cfg }

func (r *rateSpike) check(_ context.Context, tx *domain.Transaction, e env) (string, error) {
	at := anchor(tx, e)
	f := ledger.Filter{Status: domain.TxCompleted, Since: at.Add(-r.cfg.Window)}
	subject := tx.AgentID
	if r.cfg.Subject == SubjectRecipient {
		f.Recipient = tx.Recipient
		subject = tx.Recipient
	} else {
		f.AgentID = tx.AgentID
	}

	count := 1 + len(priorTo(e.ledger.Query(f), tx, at))

	if count <= r.cfg.MaxTransactions {
		return "", nil
	}
	return fmt.Sprintf("rate spike: %s %q made %d transactions in %s (max %d)",
		r.cfg.Subject, subject, count, r.cfg.Window, r.cfg.MaxTransactions), nil
}

type newRecipient struct{ cfg RuleConfig }

func (r *newRecipient) Config() RuleConfig { return r.cfg }

func (r *newRecipient) check(ctx context.Context, tx *domain.Transaction, e env) (string, error) {
	if tx.Recipient == "" {
		return "", nil
	}
	added, err := e.seen.Add(ctx, tx.AgentID, tx.Recipient)
	if err != nil || !added {
		return "", err
	}
	return fmt.Sprintf("new recipient: agent %q paid %s for the first time", tx.AgentID, tx.Recipient), nil
}

// budgetThreshold срабатывает на пересечении порога и не чаще раза в окно на агента
type budgetThreshold struct {
	cfg    RuleConfig
	window time.Duration
	limit  decimal.Decimal

	mu        sync.Mutex
	lastFired map[string]time.Time // agentID -> момент срабатывания
}

func (r *budgetThreshold) Config() RuleConfig { return r.cfg }

func (r *budgetThreshold) check(_ context.Context, tx *domain.Transaction, e env) (string, error) {
	if tx.Currency != r.cfg.Currency {
		return "", nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	at := anchor(tx, e)
	rows := e.ledger.Query(ledger.Filter{AgentID: tx.AgentID, Status: domain.TxCompleted, Since: at.Add(-r.window)})

	prev := decimal.Zero
	for _, row := range priorTo(rows, tx, at) {
		if row.Currency == r.cfg.Currency {
			prev = prev.Add(row.Amount)
		}
	}
	spend := prev.Add(tx.Amount)

	if prev.GreaterThanOrEqual(r.limit) || spend.LessThan(r.limit) {
		return "", nil
	}
	if last, ok := r.lastFired[tx.AgentID]; ok && at.Sub(last) < r.window {
		return "", nil
	}
	r.lastFired[tx.AgentID] = at

	return fmt.Sprintf("budget threshold: agent %q spent %s of %s %s %s budget (alert at %s%%)",
		tx.AgentID, spend, r.cfg.MaxAmount, r.cfg.Currency, r.cfg.BudgetWindow, r.cfg.AlertAtPercent), nil
}
