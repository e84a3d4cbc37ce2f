// Package breaker ограничивает радиус поражения от неисправного endpoint расчетов.
//
// На каждый ключ (endpoint) создается собственный gobreaker. Поверх него ведется
// зеркало состояния: gobreaker не отдает оставшееся время охлаждения и меняет
// состояние внутри State(), а отчетам нужна чистая проекция.
package breaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

type Config struct {
	FailureThreshold    uint32        // подряд идущих отказов до open
	RecoveryTimeout     time.Duration // охлаждение от последнего отказа до half-open
	HalfOpenMaxRequests uint32        // одновременных пробных вызовов в half-open

	// IsFailure решает, считается ли ошибка отказом endpoint. nil: любая ошибка.
	IsFailure func(error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// StateListener получает переходы состояний. Вызывается синхронно, должен быть быстрым.
type StateListener func(key string, from, to State)

// Snapshot — read-only срез по одному ключу для консоли и метрик
type Snapshot struct {
	Key          string        `json:"key"`
	State        State         `json:"state"`
	FailureCount uint32        `json:"failure_count"`
	SuccessCount uint64        `json:"success_count"`
	LastFailure  time.Time     `json:"last_failure,omitempty"`
	RetryAfter   time.Duration `json:"retry_after_ns,omitempty"`
}

type entry struct {
	mu  sync.Mutex
	cb  *gobreaker.CircuitBreaker
	gen uint64 // растет при каждом пересоздании gobreaker

	state       State
	failures    uint32
	successes   uint64
	lastFailure time.Time
	openedAt    time.Time
}

type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	entries   map[string]*entry
	listeners []StateListener
}

func NewManager(cfg Config, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests == 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}

	return &Manager{
		cfg:     cfg,
		logger:  logger.Named("breaker"),
		entries: make(map[string]*entry),
	}
}

// OnStateChange регистрирует слушателя переходов (метрики, логи)
func (m *Manager) OnStateChange(l StateListener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Execute — единственная точка входа. Ошибка fn всегда возвращается вызывающему
// после учета отказа, отказ по открытому предохранителю приходит как *OpenError.
func (m *Manager) Execute(key string, fn func() (any, error)) (any, error) {
	e := m.entry(key)

	e.mu.Lock()
	cb, gen := e.cb, e.gen
	e.mu.Unlock()

	res, err := cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		openErr := m.openError(key, e)
		m.logger.Warn("call rejected", zap.String("key", key), zap.String("state", string(openErr.State)),
			zap.Duration("retry_after", openErr.RetryAfter))
		return nil, openErr
	}

	now := time.Now()
	var closedFrom State

	e.mu.Lock()
	if e.gen == gen {
		if err != nil && m.isFailure(err) {
			e.failures++
			e.lastFailure = now
		} else {
			e.successes++
			if e.state == StateHalfOpen {
				// Один успешный пробный вызов закрывает предохранитель
				closedFrom = e.state
				m.recreate(key, e)
			} else if e.state == StateClosed {
				e.failures = 0
			}
		}
	}
	e.mu.Unlock()

	if closedFrom != "" {
		m.logger.Info("probe succeeded, breaker closed", zap.String("key", key))
		m.notify(key, closedFrom, StateClosed)
	}
	return res, err
}

// Do — типизированная обертка над Execute
func Do[T any](m *Manager, key string, fn func() (T, error)) (T, error) {
	res, err := m.Execute(key, func() (any, error) { return fn() })

	var zero T
	if res == nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, err
	}
	return v, err
}

// State — чистая проекция: после охлаждения сообщает half-open,
// хотя сам переход произойдет только на следующем Execute.
func (m *Manager) State(key string) State {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return StateClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return m.project(e, time.Now())
}

func (m *Manager) Snapshot(key string) Snapshot {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{Key: key, State: StateClosed}
	}
	return m.snapshot(key, e, time.Now())
}

// Snapshots возвращает срезы по всем известным ключам, отсортированные по ключу
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.Snapshot(k))
	}
	return out
}

// Reset — административный перевод в closed со сбросом счетчиков.
// Возвращает false, если по ключу еще не было вызовов.
func (m *Manager) Reset(key string) bool {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	from := e.state
	m.recreate(key, e)
	e.mu.Unlock()

	m.logger.Info("breaker reset", zap.String("key", key), zap.String("from", string(from)))
	if from != StateClosed {
		m.notify(key, from, StateClosed)
	}
	return true
}

func (m *Manager) ResetAll() {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	for _, k := range keys {
		m.Reset(k)
	}
}

func (m *Manager) entry(key string) *entry {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check после взятия write lock
	if e, ok = m.entries[key]; ok {
		return e
	}

	e = &entry{}
	m.recreate(key, e)
	m.entries[key] = e

	m.logger.Debug("breaker created", zap.String("key", key))
	return e
}

// recreate ставит новый gobreaker в closed. Вызывается под e.mu.
func (m *Manager) recreate(key string, e *entry) {
	e.gen++
	gen := e.gen

	e.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: m.cfg.HalfOpenMaxRequests,
		Interval:    0, // в closed счетчики сбрасывает только успех
		Timeout:     m.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !m.isFailure(err)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			m.onStateChange(key, e, gen, from, to)
		},
	})
	e.state = StateClosed
	e.failures = 0
	e.successes = 0
	e.lastFailure = time.Time{}
	e.openedAt = time.Time{}
}

// onStateChange вызывается gobreaker под его собственным мьютексом.
// Здесь нельзя обращаться к gobreaker, только к зеркалу.
func (m *Manager) onStateChange(key string, e *entry, gen uint64, from, to gobreaker.State) {
	now := time.Now()

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.state = fromGobreaker(to)
	switch e.state {
	case StateOpen:
		e.openedAt = now
		if e.lastFailure.IsZero() || e.lastFailure.Before(now) {
			e.lastFailure = now
		}
	case StateClosed:
		e.failures = 0
	}
	e.mu.Unlock()

	m.logger.Info("state changed",
		zap.String("key", key),
		zap.String("from", string(fromGobreaker(from))),
		zap.String("to", string(fromGobreaker(to))))
	m.notify(key, fromGobreaker(from), fromGobreaker(to))
}

func (m *Manager) notify(key string, from, to State) {
	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()

	for _, l := range listeners {
		l(key, from, to)
	}
}

func (m *Manager) openError(key string, e *entry) *OpenError {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.state
	var retryAfter time.Duration
	if state == StateOpen {
		retryAfter = e.openedAt.Add(m.cfg.RecoveryTimeout).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}
	return &OpenError{Key: key, State: state, RetryAfter: retryAfter}
}

// project вызывается под e.mu
func (m *Manager) project(e *entry, now time.Time) State {
	if e.state == StateOpen && !now.Before(e.openedAt.Add(m.cfg.RecoveryTimeout)) {
		return StateHalfOpen
	}
	return e.state
}

func (m *Manager) snapshot(key string, e *entry, now time.Time) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		Key:          key,
		State:        m.project(e, now),
		FailureCount: e.failures,
		SuccessCount: e.successes,
		LastFailure:  e.lastFailure,
	}
	if s.State == StateOpen {
		s.RetryAfter = e.openedAt.Add(m.cfg.RecoveryTimeout).Sub(now)
	}
	return s
}

func (m *Manager) isFailure(err error) bool {
	if m.cfg.IsFailure == nil {
		return true
	}
	return m.cfg.IsFailure(err)
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
