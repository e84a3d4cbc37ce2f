package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/paygate/internal/alert"
	"github.com/xela07ax/paygate/internal/breaker"
	"github.com/xela07ax/paygate/internal/domain"
	"github.com/xela07ax/paygate/internal/facilitator"
	"github.com/xela07ax/paygate/internal/ledger"
	"github.com/xela07ax/paygate/internal/policy"
	"github.com/xela07ax/paygate/internal/provenance"
	"github.com/xela07ax/paygate/internal/x402"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// KillSwitchRule — TriggeredRule отказа по kill-switch, fail-open его не обходит
	KillSwitchRule = "kill_switch"

	ReasonRecheckDenied = "policy_recheck_denied"
)

// Blocker — источник оперативных блокировок агентов (KillSwitchManager)
type Blocker interface {
	IsBlocked(agentID string) bool
}

// Payment — то, что агент отдал бы facilitator на любой стадии
type Payment struct {
	Payload      facilitator.PaymentPayload      `json:"paymentPayload"`
	Requirements facilitator.PaymentRequirements `json:"paymentRequirements"`
}

type Config struct {
	// FailClosed: отказ политики останавливает платеж. false — режим наблюдения:
	// отказ пишется в аудит и метрики, но платеж идет дальше.
	FailClosed bool
	// AttemptTTL — сколько живет контекст попытки между verify и settle
	AttemptTTL time.Duration
}

func DefaultConfig() Config {
	return Config{FailClosed: true, AttemptTTL: 10 * time.Minute}
}

// Result — состояние попытки после стадии. Возвращается и вместе с ошибкой.
type Result struct {
	Fingerprint string                  `json:"fingerprint"`
	Transaction *domain.Transaction     `json:"transaction,omitempty"`
	Evaluation  domain.PolicyEvaluation `json:"evaluation"`
	// Proceed — платеж может идти к facilitator
	Proceed bool                        `json:"proceed"`
	Verify  *facilitator.VerifyResponse `json:"verify,omitempty"`
	Settle  *facilitator.SettleResponse `json:"settle,omitempty"`
	Failure *facilitator.Class          `json:"failure,omitempty"`
}

// Governance — блок обогащения ответа агенту
func (r *Result) Governance(sessionID string) x402.Governance {
	g := x402.Governance{SessionID: sessionID, PolicyAction: r.Evaluation.Action}
	if r.Transaction != nil {
		g.TransactionID = r.Transaction.ID
		g.Recorded = r.Transaction.Status == domain.TxCompleted
	}
	return g
}

// attempt — контекст одной попытки оплаты, ключ — отпечаток платежа.
// Поля под mu; refs и expires читаются под Orchestrator.mu при refs == 0.
type attempt struct {
	mu      sync.Mutex
	refs    int
	expires time.Time
	digest  string // дайджест авторизации, с которой шли verify/settle

	tx         *domain.Transaction
	evaluation domain.PolicyEvaluation
	proceed    bool
	verify     *facilitator.VerifyResponse
	settle     *facilitator.SettleResponse
	failure    *facilitator.Class
}

func (a *attempt) active(now time.Time) bool {
	return a.tx != nil && !a.tx.IsTerminal() && now.Before(a.expires)
}

// replayable: расчет этой же авторизации уже проведен
func (a *attempt) replayable(now time.Time, digest string) bool {
	return a.tx != nil && a.tx.Status == domain.TxCompleted && a.digest == digest && now.Before(a.expires)
}

// refused: facilitator уже признал эту авторизацию невалидной
func (a *attempt) refused(now time.Time, digest string) bool {
	return a.tx != nil && a.verify != nil && !a.verify.IsValid && a.digest == digest && now.Before(a.expires)
}

func (a *attempt) reset(tx *domain.Transaction, expires time.Time, digest string) {
	a.tx = tx
	a.expires = expires
	a.digest = digest
	a.evaluation = domain.PolicyEvaluation{}
	a.proceed = false
	a.verify = nil
	a.settle = nil
	a.failure = nil
}

func (a *attempt) result(fp string) *Result {
	return &Result{
		Fingerprint: fp,
		Transaction: a.tx.Clone(),
		Evaluation:  a.evaluation,
		Proceed:     a.proceed,
		Verify:      a.verify,
		Settle:      a.settle,
		Failure:     a.failure,
	}
}

// Orchestrator ведет платеж по стадиям intent -> policy_check -> verify -> settle.
// Каждая стадия пишется в provenance, деньги двигает только facilitator.
type Orchestrator struct {
	cfg Config

	policies   *policy.Engine
	ledger     ledger.Store
	alerts     *alert.Engine
	breakers   *breaker.Manager
	provenance *provenance.Recorder
	client     facilitator.Client
	mapper     *x402.Mapper

	killSwitch Blocker
	metrics    *Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	attempts map[string]*attempt

	alertsWG sync.WaitGroup
	closed   atomic.Bool
}

type Option func(*Orchestrator)

func WithKillSwitch(b Blocker) Option {
	return func(o *Orchestrator) { o.killSwitch = b }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(
	cfg Config,
	policies *policy.Engine,
	l ledger.Store,
	alerts *alert.Engine,
	breakers *breaker.Manager,
	rec *provenance.Recorder,
	client facilitator.Client,
	mapper *x402.Mapper,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	if cfg.AttemptTTL <= 0 {
		cfg.AttemptTTL = DefaultConfig().AttemptTTL
	}

	o := &Orchestrator{
		cfg:        cfg,
		policies:   policies,
		ledger:     l,
		alerts:     alerts,
		breakers:   breakers,
		provenance: rec,
		client:     client,
		mapper:     mapper,
		metrics:    NewMetrics(nil),
		tracer:     otel.Tracer("github.com/xela07ax/paygate/internal/engine"),
		logger:     logger.Named("orchestrator"),
		now:        time.Now,
		attempts:   make(map[string]*attempt),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Intent маппит платеж в транзакцию и прогоняет политику. Повторный вызов для живой
// попытки возвращает уже принятое решение, если агента не заблокировали за это время.
func (o *Orchestrator) Intent(ctx context.Context, p Payment) (res *Result, err error) {
	ctx, span, done := o.stage(ctx, "intent")
	defer func() { done(res, err) }()

	fp := o.mapper.Fingerprint(p.Payload, p.Requirements)
	span.SetAttributes(attribute.String("paygate.fingerprint", fp))

	a := o.acquire(fp)
	defer o.release(a)

	if a.active(o.now()) {
		o.halt(ctx, a)
		return a.result(fp), nil
	}
	return o.start(ctx, a, fp, p, false)
}

// Verify проверяет платеж у facilitator через предохранитель.
// Без предварительного Intent сначала выполняется он.
func (o *Orchestrator) Verify(ctx context.Context, p Payment) (res *Result, err error) {
	ctx, span, done := o.stage(ctx, "verify")
	defer func() { done(res, err) }()

	fp := o.mapper.Fingerprint(p.Payload, p.Requirements)
	span.SetAttributes(attribute.String("paygate.fingerprint", fp))

	a := o.acquire(fp)
	defer o.release(a)

	digest := x402.PayloadDigest(p.Payload)
	now := o.now()
	switch {
	case a.refused(now, digest):
		return a.result(fp), nil

	case !a.active(now):
		if res, err := o.start(ctx, a, fp, p, false); err != nil || !res.Proceed {
			return res, err
		}

	case o.halt(ctx, a):
		return a.result(fp), nil
	}
	if a.verify != nil && a.verify.IsValid && a.digest == digest {
		return a.result(fp), nil
	}
	a.digest = digest

	resp, err := breaker.Do(o.breakers, o.client.Endpoint(), func() (*facilitator.VerifyResponse, error) {
		return o.client.Verify(ctx, p.Payload, p.Requirements)
	})
	if err == nil && resp == nil {
		err = &facilitator.RejectedError{Op: "verify", Reason: "empty response"}
	}
	if err != nil {
		o.fail(ctx, a, domain.StageExecution, err, nil)
		return a.result(fp), fmt.Errorf("verify: %w", err)
	}

	meta := map[string]any{
		"operation":      "verify",
		"is_valid":       resp.IsValid,
		"invalid_reason": resp.InvalidReason,
		"payer":          resp.Payer,
	}
	a.verify = resp
	if !resp.IsValid {
		o.record(ctx, a.tx, domain.StageExecution, domain.OutcomeFail, meta)
		o.finish(a, domain.TxFailed, "")
		// отказ помнится до конца TTL: settle той же авторизации не уйдет к facilitator
		a.expires = o.now().Add(o.cfg.AttemptTTL)
		return a.result(fp), nil
	}

	o.record(ctx, a.tx, domain.StageExecution, domain.OutcomePass, meta)
	a.expires = o.now().Add(o.cfg.AttemptTTL)
	return a.result(fp), nil
}

// Settle перед расчетом обязательно перепроверяет политику.
// Если контекста verify нет, создается новая транзакция: ошибки из-за этого не бывает.
// Повтор отдает прежний результат только для той же авторизации, а не для любого
// платежа с тем же отпечатком.
func (o *Orchestrator) Settle(ctx context.Context, p Payment) (res *Result, err error) {
	ctx, span, done := o.stage(ctx, "settle")
	defer func() { done(res, err) }()

	fp := o.mapper.Fingerprint(p.Payload, p.Requirements)
	span.SetAttributes(attribute.String("paygate.fingerprint", fp))

	a := o.acquire(fp)
	defer o.release(a)

	digest := x402.PayloadDigest(p.Payload)
	now := o.now()
	switch {
	case a.replayable(now, digest):
		return a.result(fp), nil

	case a.refused(now, digest):
		return a.result(fp), nil

	case !a.active(now):
		if res, err := o.start(ctx, a, fp, p, true); err != nil || !res.Proceed {
			return res, err
		}

	default:
		ev := o.decide(a.tx)
		a.evaluation = ev
		if !ev.Allowed && !o.mayOverride(ev) {
			o.record(ctx, a.tx, domain.StageSettlement, domain.OutcomeFail, map[string]any{
				"reason":         ReasonRecheckDenied,
				"action":         string(ev.Action),
				"policy_reason":  ev.Reason,
				"triggered_rule": ev.TriggeredRule,
			})
			a.proceed = false
			o.finish(a, domain.TxRejected, "")
			return a.result(fp), nil
		}
	}
	a.digest = digest

	resp, err := breaker.Do(o.breakers, o.client.Endpoint(), func() (*facilitator.SettleResponse, error) {
		return o.client.Settle(ctx, p.Payload, p.Requirements)
	})
	if err == nil {
		// facilitator ответил штатно: для предохранителя это не отказ endpoint
		switch {
		case resp == nil:
			err = &facilitator.RejectedError{Op: "settle", Reason: "empty response"}
		case !resp.Success:
			err = &facilitator.RejectedError{Op: "settle", Reason: resp.ErrorReason}
		}
	}
	if err != nil {
		a.settle = resp
		o.fail(ctx, a, domain.StageSettlement, err, resp)
		return a.result(fp), fmt.Errorf("settle: %w", err)
	}

	a.settle = resp
	o.finish(a, domain.TxCompleted, resp.TxHash)
	o.policies.RecordTransaction(a.tx.Clone())
	o.record(ctx, a.tx, domain.StageSettlement, domain.OutcomePass, map[string]any{
		"tx_hash": resp.TxHash,
		"network": resp.Network,
		"payer":   resp.Payer,
	})
	a.expires = o.now().Add(o.cfg.AttemptTTL)

	o.evaluateAlerts(ctx, a.tx.Clone())
	return a.result(fp), nil
}

// Supported проксирует список схем facilitator через тот же предохранитель
func (o *Orchestrator) Supported(ctx context.Context) (*facilitator.SupportedResponse, error) {
	return breaker.Do(o.breakers, o.client.Endpoint(), func() (*facilitator.SupportedResponse, error) {
		return o.client.Supported(ctx)
	})
}

// Close дожидается фоновой оценки алертов
func (o *Orchestrator) Close() {
	o.closed.Store(true)
	o.alertsWG.Wait()
}

// start открывает новую попытку: транзакция, intent, решение политики
func (o *Orchestrator) start(ctx context.Context, a *attempt, fp string, p Payment, synthesized bool) (*Result, error) {
	if a.tx != nil && !a.tx.IsTerminal() {
		// брошенная попытка: освобождаем резерв, новая получит свежий ID
		o.logger.Warn("attempt expired", zap.String("tx_id", a.tx.ID), zap.String("fingerprint", fp))
		o.finish(a, domain.TxFailed, "")
	}

	tx, err := o.mapper.ToTransaction(ctx, p.Payload, p.Requirements)
	if err != nil {
		return nil, fmt.Errorf("map payment: %w", err)
	}
	a.reset(tx, o.now().Add(o.cfg.AttemptTTL), x402.PayloadDigest(p.Payload))

	o.ledger.Record(tx)
	o.record(ctx, tx, domain.StageIntent, domain.OutcomePass, map[string]any{
		"agent_id":    tx.AgentID,
		"recipient":   tx.Recipient,
		"amount":      tx.Amount.String(),
		"currency":    tx.Currency,
		"fingerprint": fp,
		"synthesized": synthesized,
	})

	ev := o.decide(tx)
	a.evaluation = ev

	meta := map[string]any{
		"action":         string(ev.Action),
		"reason":         ev.Reason,
		"policy_id":      ev.PolicyID,
		"triggered_rule": ev.TriggeredRule,
	}
	for k, v := range ev.Details {
		meta["detail_"+k] = v
	}

	if ev.Allowed {
		o.record(ctx, tx, domain.StagePolicyCheck, domain.OutcomePass, meta)
		a.proceed = true
		return a.result(fp), nil
	}

	if o.mayOverride(ev) {
		meta["enforced"] = false
		o.record(ctx, tx, domain.StagePolicyCheck, domain.OutcomeFail, meta)
		o.logger.Warn("policy denial not enforced (fail-open)",
			zap.String("tx_id", tx.ID),
			zap.String("agent_id", tx.AgentID),
			zap.String("action", string(ev.Action)),
			zap.String("reason", ev.Reason))
		a.proceed = true
		return a.result(fp), nil
	}

	meta["enforced"] = true
	o.record(ctx, tx, domain.StagePolicyCheck, domain.OutcomeFail, meta)
	o.finish(a, domain.TxRejected, "")
	return a.result(fp), nil
}

func (o *Orchestrator) decide(tx *domain.Transaction) domain.PolicyEvaluation {
	ev, blocked := o.blocked(tx.AgentID)
	if !blocked {
		ev = o.policies.EvaluateAndReserve(tx)
	}
	o.metrics.Decisions.WithLabelValues(string(ev.Action)).Inc()
	return ev
}

func (o *Orchestrator) blocked(agentID string) (domain.PolicyEvaluation, bool) {
	if o.killSwitch == nil || !o.killSwitch.IsBlocked(agentID) {
		return domain.PolicyEvaluation{}, false
	}
	ev := domain.Deny("agent blocked")
	ev.TriggeredRule = KillSwitchRule
	return ev, true
}

// halt отклоняет живую попытку агента, заблокированного после решения политики
func (o *Orchestrator) halt(ctx context.Context, a *attempt) bool {
	ev, blocked := o.blocked(a.tx.AgentID)
	if !blocked {
		return false
	}
	ev.PolicyID = a.evaluation.PolicyID
	a.evaluation = ev
	o.metrics.Decisions.WithLabelValues(string(ev.Action)).Inc()

	o.record(ctx, a.tx, domain.StagePolicyCheck, domain.OutcomeFail, map[string]any{
		"action":         string(ev.Action),
		"reason":         ev.Reason,
		"policy_id":      ev.PolicyID,
		"triggered_rule": ev.TriggeredRule,
		"enforced":       true,
	})
	o.finish(a, domain.TxRejected, "")
	return true
}

func (o *Orchestrator) mayOverride(ev domain.PolicyEvaluation) bool {
	return !o.cfg.FailClosed && ev.TriggeredRule != KillSwitchRule
}

// fail фиксирует сбой facilitator: статус failed, аудит с классом ошибки
func (o *Orchestrator) fail(ctx context.Context, a *attempt, stage domain.Stage, err error, resp *facilitator.SettleResponse) {
	class := facilitator.Classify(err)
	a.failure = &class
	o.metrics.ErrorTotal.WithLabelValues(class.Kind).Inc()

	meta := map[string]any{
		"error":     err.Error(),
		"retryable": class.Retryable,
		"kind":      class.Kind,
	}
	if resp != nil {
		meta["network"] = resp.Network
		meta["error_reason"] = resp.ErrorReason
	}
	o.record(ctx, a.tx, stage, domain.OutcomeFail, meta)

	o.logger.Warn("facilitator call failed",
		zap.String("tx_id", a.tx.ID),
		zap.String("stage", string(stage)),
		zap.String("kind", class.Kind),
		zap.Bool("retryable", class.Retryable),
		zap.Error(err))
	o.finish(a, domain.TxFailed, "")
}

// finish переводит транзакцию в терминальный статус в попытке и в ledger
func (o *Orchestrator) finish(a *attempt, status domain.TxStatus, ref string) {
	now := o.now()
	if err := a.tx.Transition(status, now); err != nil {
		o.logger.Error("transition rejected", zap.String("tx_id", a.tx.ID), zap.Error(err))
		return
	}
	a.tx.SettlementRef = ref
	if status != domain.TxCompleted {
		a.proceed = false
		o.policies.Release(a.tx.ID)
	}

	if err := o.ledger.UpdateStatus(a.tx.ID, status, ref, now); err != nil {
		o.logger.Error("ledger update failed", zap.String("tx_id", a.tx.ID), zap.Error(err))
	}
	o.metrics.Settlements.WithLabelValues(string(status)).Inc()
}

// record — аудит не критичен для платежа: ошибка только логируется
func (o *Orchestrator) record(ctx context.Context, tx *domain.Transaction, stage domain.Stage, outcome domain.Outcome, meta map[string]any) {
	trace.SpanFromContext(ctx).AddEvent(string(stage), trace.WithAttributes(
		attribute.String("paygate.outcome", string(outcome)),
		attribute.String("paygate.tx_id", tx.ID),
	))

	if _, err := o.provenance.Record(tx.ID, TraceID(ctx), stage, outcome, meta); err != nil {
		o.logger.Error("provenance record failed",
			zap.String("tx_id", tx.ID), zap.String("stage", string(stage)), zap.Error(err))
	}
}

// evaluateAlerts не блокирует ответ агенту: fire-and-forget после расчета
func (o *Orchestrator) evaluateAlerts(ctx context.Context, tx *domain.Transaction) {
	if o.alerts == nil {
		return
	}

	run := func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("alert evaluation panicked", zap.String("tx_id", tx.ID), zap.Any("panic", r))
			}
		}()
		o.alerts.Evaluate(context.WithoutCancel(ctx), tx)
	}

	if o.closed.Load() {
		run()
		return
	}
	o.alertsWG.Add(1)
	go func() {
		defer o.alertsWG.Done()
		run()
	}()
}

// stage открывает span и возвращает функцию, закрывающую его вместе с метриками
func (o *Orchestrator) stage(ctx context.Context, name string) (context.Context, trace.Span, func(*Result, error)) {
	start := time.Now()
	o.metrics.TotalRequests.WithLabelValues(name).Inc()
	ctx, span := o.tracer.Start(ctx, "paygate."+name)

	return ctx, span, func(res *Result, err error) {
		outcome := "proceed"
		switch {
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res != nil && !res.Proceed:
			outcome = "halted"
		}
		if res != nil {
			span.SetAttributes(attribute.String("paygate.policy_action", string(res.Evaluation.Action)))
		}
		o.metrics.StageDuration.WithLabelValues(name, outcome).Observe(time.Since(start).Seconds())
		span.End()
	}
}

// acquire возвращает попытку под ее мьютексом: вызовы с одним отпечатком идут по очереди
func (o *Orchestrator) acquire(fp string) *attempt {
	o.mu.Lock()
	a, ok := o.attempts[fp]
	if !ok {
		o.pruneLocked(o.now())
		a = &attempt{}
		o.attempts[fp] = a
	}
	a.refs++
	o.mu.Unlock()

	a.mu.Lock()
	return a
}

func (o *Orchestrator) release(a *attempt) {
	a.mu.Unlock()
	o.mu.Lock()
	a.refs--
	o.mu.Unlock()
}

// pruneLocked выбрасывает истекшие попытки, которыми никто не владеет.
// Брошенная pending-транзакция закрывается как failed.
func (o *Orchestrator) pruneLocked(now time.Time) {
	for fp, a := range o.attempts {
		if a.refs > 0 || (a.tx != nil && !now.After(a.expires)) {
			continue
		}
		if a.tx != nil && !a.tx.IsTerminal() {
			o.logger.Warn("attempt expired", zap.String("tx_id", a.tx.ID), zap.String("fingerprint", fp))
			o.finish(a, domain.TxFailed, "")
		}
		delete(o.attempts, fp)
	}
}
